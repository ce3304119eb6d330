package view

import "github.com/docproc-dashboard/backend/internal/models"

// Title is the dashboard heading.
const Title = "Document Processing System"

// Tab ids.
const (
	TabFields   = "fields"
	TabProducts = "products"
)

// Tab is one entry of the result tab bar.
type Tab struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Action is the state of one button.
type Action struct {
	Label    string `json:"label"`
	Disabled bool   `json:"disabled"`
}

// FileInput is the state of the file picker.
type FileInput struct {
	FileName   string  `json:"fileName,omitempty"`
	SizeMB     float64 `json:"sizeMb,omitempty"`
	Error      bool    `json:"error"`
	HelperText string  `json:"helperText"`
}

// Dashboard is the full page model for one session.
type Dashboard struct {
	Title           string       `json:"title"`
	Revision        uint64       `json:"revision"`
	File            FileInput    `json:"file"`
	ExtractFields   Action       `json:"extractFields"`
	ExtractProducts Action       `json:"extractProducts"`
	Reset           Action       `json:"reset"`
	Tabs            []Tab        `json:"tabs"`
	ActiveTab       string       `json:"activeTab"`
	Fields          FieldsView   `json:"fields"`
	Products        ProductsView `json:"products"`
}

// Tabs returns the result tabs in display order. The first is the default.
func Tabs() []Tab {
	return []Tab{
		{ID: TabFields, Label: "Fields Extraction Results"},
		{ID: TabProducts, Label: "Products & Supplier Results"},
	}
}

// ResolveTab returns id when it names a tab, else the default tab.
func ResolveTab(id string) string {
	for _, t := range Tabs() {
		if t.ID == id {
			return id
		}
	}
	return Tabs()[0].ID
}

// RenderDashboard renders the page for snap with activeTab selected.
func RenderDashboard(snap models.Snapshot, activeTab string) Dashboard {
	d := Dashboard{
		Title:           Title,
		Revision:        snap.Revision,
		ExtractFields:   extractAction("Extract Fields", snap.FieldsBusy, snap.SelectedFile == nil),
		ExtractProducts: extractAction("Extract Products & Suppliers", snap.ProductsBusy, snap.SelectedFile == nil),
		Reset:           Action{Label: "Reset"},
		Tabs:            Tabs(),
		ActiveTab:       ResolveTab(activeTab),
		Fields:          RenderFields(snap.FieldsResult),
		Products:        RenderProducts(snap.ProductsResult, snap.ExpandedProducts),
	}
	if snap.SelectedFile != nil {
		d.File.FileName = snap.SelectedFile.Name
		d.File.SizeMB = snap.SelectedFile.SizeMB()
	}
	if snap.Error != nil {
		d.File.Error = true
		d.File.HelperText = *snap.Error
	}
	return d
}

func extractAction(label string, busy, noFile bool) Action {
	if busy {
		label = "Uploading..."
	}
	return Action{Label: label, Disabled: busy || noFile}
}
