// Package view turns session state into the view models consumed by the
// front-end. Every function here is pure and never mutates its input.
package view

import (
	"strconv"
	"strings"

	"github.com/docproc-dashboard/backend/internal/models"
)

// Placeholder is shown for any missing value.
const Placeholder = "--"

const (
	StatusCompleted   = "Processing completed"
	StatusNotStarted  = "No file processed yet"
	FieldsHeading     = "Extracted fields"
	FieldsEmpty       = `Upload a file and click "Extract Fields" to see results`
	ProductsEmpty     = `Upload a file and click "Extract Products & Suppliers" to see results`
	SupplierHeading   = "Supplier list"
	RequirementsLabel = "Technical requirements"
)

// Sub-value labels of a field row.
const (
	ValueLabel         = "Value"
	SourceExcerptLabel = "Source Excerpt"
	ConfidenceLabel    = "Confidence Score (0-100)"
)

// Labeled is a displayed value with its caption.
type Labeled struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

// FieldRow is one extracted field.
type FieldRow struct {
	Key           string  `json:"key"`
	Title         string  `json:"title"`
	Value         Labeled `json:"value"`
	SourceExcerpt Labeled `json:"sourceExcerpt"`
	Confidence    Labeled `json:"confidence"`
}

// FieldsView is the content of the fields tab.
type FieldsView struct {
	Status      string     `json:"status"`
	Heading     string     `json:"heading"`
	Rows        []FieldRow `json:"rows"`
	Placeholder string     `json:"placeholder,omitempty"`
}

// SupplierRow is one supplier of a product.
type SupplierRow struct {
	Title string `json:"title"`
	Specs string `json:"specs"`
	Link  string `json:"link"`
	Price string `json:"price,omitempty"`
}

// ProductRow is one expandable product.
type ProductRow struct {
	Key                   string        `json:"key"`
	Name                  string        `json:"name"`
	Expanded              bool          `json:"expanded"`
	RequirementsLabel     string        `json:"requirementsLabel"`
	TechnicalRequirements string        `json:"technicalRequirements"`
	SupplierHeading       string        `json:"supplierHeading,omitempty"`
	Suppliers             []SupplierRow `json:"suppliers"`
}

// ProductsView is the content of the products tab.
type ProductsView struct {
	Rows        []ProductRow `json:"rows"`
	Placeholder string       `json:"placeholder,omitempty"`
}

// RenderFields renders one row per non-metadata field. Known fields come
// first in their canonical order, any others follow alphabetically.
func RenderFields(result *models.FieldsResult) FieldsView {
	v := FieldsView{
		Status:  StatusNotStarted,
		Heading: FieldsHeading,
		Rows:    []FieldRow{},
	}
	if result != nil {
		v.Status = StatusCompleted
		for _, name := range result.FieldNames() {
			f := result.Fields[name]
			v.Rows = append(v.Rows, FieldRow{
				Key:           name,
				Title:         FieldTitle(name),
				Value:         Labeled{Label: ValueLabel, Text: text(f.Value)},
				SourceExcerpt: Labeled{Label: SourceExcerptLabel, Text: text(f.SourceExcerpt)},
				Confidence:    Labeled{Label: ConfidenceLabel, Text: Confidence(f.ConfidenceScore)},
			})
		}
	}
	if len(v.Rows) == 0 {
		v.Placeholder = FieldsEmpty
	}
	return v
}

// RenderProducts renders one row per product, collapsed unless its key is
// in expanded.
func RenderProducts(result *models.ProductsResult, expanded []string) ProductsView {
	if result == nil {
		return ProductsView{Rows: []ProductRow{}, Placeholder: ProductsEmpty}
	}

	open := make(map[string]bool, len(expanded))
	for _, k := range expanded {
		open[k] = true
	}

	keys := result.Keys()
	v := ProductsView{Rows: make([]ProductRow, 0, len(result.Products))}
	for i, p := range result.Products {
		row := ProductRow{
			Key:                   keys[i],
			Name:                  p.ProductName,
			Expanded:              open[keys[i]],
			RequirementsLabel:     RequirementsLabel,
			TechnicalRequirements: orPlaceholder(p.TechnicalRequirements),
			Suppliers:             make([]SupplierRow, 0, len(p.SupplierSearch.Suppliers)),
		}
		if len(p.SupplierSearch.Suppliers) > 0 {
			row.SupplierHeading = SupplierHeading
		}
		for j, s := range p.SupplierSearch.Suppliers {
			row.Suppliers = append(row.Suppliers, SupplierRow{
				Title: strconv.Itoa(j+1) + ". " + s.Seller,
				Specs: s.Specs,
				Link:  s.Link,
				Price: s.Price,
			})
		}
		v.Rows = append(v.Rows, row)
	}
	return v
}

// FieldTitle turns a snake_case key into a title: "pre_bid_date" → "Pre Bid Date".
func FieldTitle(key string) string {
	words := strings.Split(key, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// Confidence formats a score as "<n>%", or the placeholder when missing.
func Confidence(score *float64) string {
	if score == nil {
		return Placeholder
	}
	return strconv.FormatFloat(*score, 'f', -1, 64) + "%"
}

func text(s *string) string {
	if s == nil {
		return Placeholder
	}
	return orPlaceholder(*s)
}

func orPlaceholder(s string) string {
	if s == "" {
		return Placeholder
	}
	return s
}
