package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// MetadataPrefix marks keys of a fields result that carry processing
// metadata rather than an extracted field (e.g. "_field_conflicts").
const MetadataPrefix = "_"

// KnownFields lists the fields the extraction service is asked for, in
// display order.
var KnownFields = []string{
	"funding_budget",
	"pre_bid_date",
	"bid_security",
	"payment_method",
}

// IsMetadataKey reports whether key is a reserved metadata key.
func IsMetadataKey(key string) bool {
	return strings.HasPrefix(key, MetadataPrefix)
}

// ExtractionField is a single extracted value with its provenance.
type ExtractionField struct {
	Value           *string  `json:"value" msgpack:"value"`
	SourceExcerpt   *string  `json:"source_excerpt" msgpack:"source_excerpt"`
	ConfidenceScore *float64 `json:"confidence_score" msgpack:"confidence_score"` // 0-100
}

// FieldsResult is the response of the fields extraction endpoint.
// On the wire it is a flat JSON object; metadata keys are kept raw.
type FieldsResult struct {
	Fields   map[string]ExtractionField
	Metadata map[string]json.RawMessage
}

// UnmarshalJSON splits the flat wire object into fields and metadata.
func (r *FieldsResult) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Fields = make(map[string]ExtractionField, len(raw))
	r.Metadata = make(map[string]json.RawMessage)
	for key, value := range raw {
		if IsMetadataKey(key) {
			r.Metadata[key] = value
			continue
		}
		var field ExtractionField
		if err := json.Unmarshal(value, &field); err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
		r.Fields[key] = field
	}
	return nil
}

// MarshalJSON writes the flat wire shape back out.
func (r FieldsResult) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+len(r.Metadata))
	for key, field := range r.Fields {
		out[key] = field
	}
	for key, value := range r.Metadata {
		out[key] = value
	}
	return json.Marshal(out)
}

// EncodeMsgpack mirrors MarshalJSON for the msgpack snapshot endpoint.
func (r FieldsResult) EncodeMsgpack(enc *msgpack.Encoder) error {
	out := make(map[string]any, len(r.Fields)+len(r.Metadata))
	for key, field := range r.Fields {
		out[key] = field
	}
	for key, value := range r.Metadata {
		var decoded any
		if err := json.Unmarshal(value, &decoded); err != nil {
			return fmt.Errorf("metadata %s: %w", key, err)
		}
		out[key] = decoded
	}
	return enc.Encode(out)
}

// DecodeMsgpack reads the shape written by EncodeMsgpack.
func (r *FieldsResult) DecodeMsgpack(dec *msgpack.Decoder) error {
	var raw map[string]msgpack.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	r.Fields = make(map[string]ExtractionField, len(raw))
	r.Metadata = make(map[string]json.RawMessage)
	for key, value := range raw {
		if IsMetadataKey(key) {
			var decoded any
			if err := msgpack.Unmarshal(value, &decoded); err != nil {
				return fmt.Errorf("metadata %s: %w", key, err)
			}
			encoded, err := json.Marshal(decoded)
			if err != nil {
				return fmt.Errorf("metadata %s: %w", key, err)
			}
			r.Metadata[key] = encoded
			continue
		}
		var field ExtractionField
		if err := msgpack.Unmarshal(value, &field); err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
		r.Fields[key] = field
	}
	return nil
}

// FieldNames returns the non-metadata field names: known fields first in
// display order, then any others alphabetically.
func (r *FieldsResult) FieldNames() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.Fields))
	seen := make(map[string]struct{}, len(KnownFields))
	for _, name := range KnownFields {
		if _, ok := r.Fields[name]; ok {
			names = append(names, name)
			seen[name] = struct{}{}
		}
	}
	var extra []string
	for name := range r.Fields {
		if _, ok := seen[name]; !ok {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(names, extra...)
}

// Supplier is one candidate seller found for a product.
type Supplier struct {
	Seller string `json:"seller" msgpack:"seller"`
	Specs  string `json:"specs" msgpack:"specs"`
	Link   string `json:"link" msgpack:"link"`
	Price  string `json:"price,omitempty" msgpack:"price,omitempty"`
}

// SupplierSearch is the outcome of the supplier lookup for a product.
type SupplierSearch struct {
	Status       string     `json:"status" msgpack:"status"`
	SearchReason string     `json:"search_reason" msgpack:"search_reason"`
	Suppliers    []Supplier `json:"suppliers" msgpack:"suppliers"`
}

// Product is a product line found in the uploaded document.
type Product struct {
	SheetName             string         `json:"sheet_name,omitempty" msgpack:"sheet_name,omitempty"`
	ProductName           string         `json:"product_name" msgpack:"product_name"`
	TechnicalRequirements string         `json:"technical_requirements" msgpack:"technical_requirements"`
	ConfidenceScore       float64        `json:"confidence_score" msgpack:"confidence_score"`
	Reason                string         `json:"reason" msgpack:"reason"`
	SupplierSearch        SupplierSearch `json:"supplier_search" msgpack:"supplier_search"`
}

// ProductsResult is the response of the supplier extraction endpoint.
type ProductsResult struct {
	Products []Product `json:"products" msgpack:"products"`
}

// Product row keys live in two disjoint namespaces so a sheet called "0"
// can never share a key with the first unnamed row.
const (
	sheetKeyPrefix = "sheet:"
	rowKeyPrefix   = "row:"
)

// Keys returns the stable row identity of each product, in order. A sheet
// name held by exactly one product gives "sheet:<name>"; every other row
// is keyed by position as "row:<index>".
func (r *ProductsResult) Keys() []string {
	if r == nil {
		return nil
	}
	counts := make(map[string]int, len(r.Products))
	for _, p := range r.Products {
		if p.SheetName != "" {
			counts[p.SheetName]++
		}
	}
	keys := make([]string, len(r.Products))
	for i, p := range r.Products {
		if p.SheetName != "" && counts[p.SheetName] == 1 {
			keys[i] = sheetKeyPrefix + p.SheetName
		} else {
			keys[i] = rowKeyPrefix + strconv.Itoa(i)
		}
	}
	return keys
}
