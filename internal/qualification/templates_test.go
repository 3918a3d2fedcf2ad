package qualification

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadOpeningTemplates_MergesOverBuiltins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "openings.yaml")
	content := "youtube: \"Fala {nome}! Vi você no nosso canal.\"\nindicacao: \"Oi {nome}, recebi seu contato por indicação.\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	templates, err := LoadOpeningTemplates(path)
	if err != nil {
		t.Fatalf("LoadOpeningTemplates failed: %v", err)
	}
	if templates["youtube"] != "Fala {nome}! Vi você no nosso canal." {
		t.Errorf("youtube template not overridden: %q", templates["youtube"])
	}
	if _, ok := templates["indicacao"]; !ok {
		t.Error("new channel from the file should be added")
	}
	if !strings.Contains(templates["ebook"], "e-book") {
		t.Error("channels absent from the file should keep their defaults")
	}
}

func TestLoadOpeningTemplates_Errors(t *testing.T) {
	if _, err := LoadOpeningTemplates(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("{not: [valid"), 0o600); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
	if _, err := LoadOpeningTemplates(path); err == nil {
		t.Error("malformed yaml should fail")
	}
}

func TestRenderTemplate(t *testing.T) {
	got := renderTemplate("Oi {nome}, obrigado pelo interesse via {canal}!", "Ana", "newsletter")
	if got != "Oi Ana, obrigado pelo interesse via newsletter!" {
		t.Errorf("unexpected render: %q", got)
	}
}
