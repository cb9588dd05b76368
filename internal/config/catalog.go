package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// TriggerEntry pairs a discovered asset with the words that activate it in
// a prompt.
type TriggerEntry struct {
	Name  string
	Words []string
}

// Catalog lists the deployment's browsable assets for the info surface.
type Catalog struct {
	Loras      []TriggerEntry
	Embeddings []TriggerEntry
	Docs       map[string]string
}

// LoadCatalog scans the configured asset directories. Discovery is
// best-effort: missing or unreadable directories are logged and skipped.
func LoadCatalog(logger *slog.Logger, loraDir, embeddingsDir, docsDir string) *Catalog {
	cat := &Catalog{Docs: map[string]string{}}

	for _, name := range listFiles(logger, loraDir) {
		if !strings.HasSuffix(name, ".safetensors") {
			continue
		}
		base := strings.TrimSuffix(name, filepath.Ext(name))
		cat.Loras = append(cat.Loras, TriggerEntry{
			Name:  base,
			Words: readWords(filepath.Join(loraDir, base+".words")),
		})
	}

	for _, name := range listFiles(logger, embeddingsDir) {
		if !strings.HasSuffix(name, ".pt") && !strings.HasSuffix(name, ".safetensors") {
			continue
		}
		base := strings.TrimSuffix(name, filepath.Ext(name))
		// the embedding's own name triggers it, extra words are optional
		words := append([]string{base}, readWords(filepath.Join(embeddingsDir, base+".words"))...)
		cat.Embeddings = append(cat.Embeddings, TriggerEntry{Name: base, Words: words})
	}

	for _, name := range listFiles(logger, docsDir) {
		if !strings.HasSuffix(name, ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(docsDir, name))
		if err != nil {
			logger.Warn("failed to read doc file", "file", name, "error", err)
			continue
		}
		cat.Docs[strings.TrimSuffix(name, ".md")] = string(data)
	}

	return cat
}

func listFiles(logger *slog.Logger, dir string) []string {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("asset directory not readable", "dir", dir, "error", err)
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names
}

func readWords(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var words []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			words = append(words, line)
		}
	}
	return words
}
