package testutil

import "github.com/docproc-dashboard/backend/internal/models"

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

// SampleFields returns a fields result covering the known fields.
func SampleFields() *models.FieldsResult {
	return &models.FieldsResult{
		Fields: map[string]models.ExtractionField{
			"funding_budget": {Value: strPtr("USD 1,200,000"), SourceExcerpt: strPtr("total budget of USD 1.2M"), ConfidenceScore: floatPtr(92)},
			"pre_bid_date":   {Value: strPtr("2024-05-03"), ConfidenceScore: floatPtr(71.5)},
			"bid_security":   {ConfidenceScore: floatPtr(0)},
			"payment_method": {Value: strPtr("Bank transfer"), SourceExcerpt: strPtr("payable by wire"), ConfidenceScore: floatPtr(80)},
		},
	}
}

// SampleProducts returns two products, one without suppliers.
func SampleProducts() *models.ProductsResult {
	return &models.ProductsResult{
		Products: []models.Product{
			{
				SheetName:             "Lot 1",
				ProductName:           "Laptop",
				TechnicalRequirements: "16GB RAM",
				ConfidenceScore:       88,
				Reason:                "listed in BoQ",
				SupplierSearch: models.SupplierSearch{
					Status: "ok",
					Suppliers: []models.Supplier{
						{Seller: "Acme", Specs: "16GB, 512GB SSD", Link: "https://acme.example/laptop", Price: "$999"},
						{Seller: "Globex", Specs: "16GB", Link: "https://globex.example/l"},
					},
				},
			},
			{
				ProductName:    "Desk",
				SupplierSearch: models.SupplierSearch{Status: "not_found", SearchReason: "no match"},
			},
		},
	}
}
