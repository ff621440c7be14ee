package refdata

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"
)

func writeSheet(t *testing.T, path string, rows [][]string) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	for i, row := range rows {
		for j, val := range row {
			cell, err := excelize.CoordinatesToCellName(j+1, i+1)
			if err != nil {
				t.Fatal(err)
			}
			if err := f.SetCellValue(sheet, cell, val); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.xlsx")
	writeSheet(t, path, [][]string{
		{"Username", "Name", "Mobile", "Subscriber ID", "Email"},
		{"JH.RNC.Ravi", "Ravi Kumar", "9876543210", "40213", "ravi@example.net"},
		{"jh.rnc.sita", "Sita Devi", "9123456780", "40214", ""},
		{"", "", "", "", ""},
	})

	d, err := LoadDirectory(path, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if d.Len() != 2 {
		t.Fatalf("directory size = %d", d.Len())
	}

	u, ok := d.ByUsername("JH.RNC.RAVI")
	if !ok {
		t.Fatal("case-insensitive username lookup failed")
	}
	if u.Name != "Ravi Kumar" || u.SubscriberID != "40213" {
		t.Errorf("user = %+v", u)
	}

	u, ok = d.ByID("40214")
	if !ok || u.Username != "jh.rnc.sita" {
		t.Errorf("id lookup = %+v ok=%v", u, ok)
	}

	if _, ok := d.ByUsername("nobody"); ok {
		t.Error("unexpected hit for unknown user")
	}
}

func TestLoadDirectory_MissingFileIsEmpty(t *testing.T) {
	d, err := LoadDirectory(filepath.Join(t.TempDir(), "absent.xlsx"), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if d.Len() != 0 {
		t.Errorf("expected empty directory, got %d", d.Len())
	}
}

func TestLoadPartnerMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partners.xlsx")
	writeSheet(t, path, [][]string{
		{"Code", "Partner ID", "Partner Name"},
		{"JH.RNC", "55", "Ranchi Net Co"},
		{"JH.DHN", "61", "Dhanbad Wireline"},
	})

	pm, err := LoadPartnerMap(path, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	p, ok := pm["jh.rnc"]
	if !ok || p.PartnerID != "55" || p.PartnerName != "Ranchi Net Co" {
		t.Errorf("partner = %+v ok=%v", p, ok)
	}
}

func TestCodeMapResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codes.xlsx")
	writeSheet(t, path, [][]string{
		{"Partner Name", "Code"},
		{"Ranchi Net Co", "jh.rnc"},
		{"Dhanbad Wireline", "jh.dhn"},
	})

	cm, err := LoadCodeMap(path, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	if code, ok := cm.Resolve("  ranchi   NET co "); !ok || code != "jh.rnc" {
		t.Errorf("exact resolve = %q ok=%v", code, ok)
	}
	// Loose match through the word index. "co" is too short to index, so the
	// hit comes from "ranchi".
	if code, ok := cm.Resolve("M/s Ranchi Networks"); !ok || code != "jh.rnc" {
		t.Errorf("loose resolve = %q ok=%v", code, ok)
	}
	if _, ok := cm.Resolve("Unknown Operator"); ok {
		t.Error("unexpected resolve for unknown partner")
	}
}
