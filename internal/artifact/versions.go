package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrUnknownVersion is returned when a named version does not exist.
var ErrUnknownVersion = errors.New("unknown artifact version")

const staleStaging = time.Hour

// Live returns the name of the live version, or "" when nothing has been
// published yet.
func (g *Generator) Live() (string, error) {
	target, err := os.Readlink(g.livePath())
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading live link: %w", err)
	}
	return filepath.Base(target), nil
}

// LiveDir is the path readers should serve from. It resolves through the
// live symlink on every open.
func (g *Generator) LiveDir() string { return g.livePath() }

func (g *Generator) liveVersion() (*Version, error) {
	name, err := g.Live()
	if err != nil || name == "" {
		return nil, err
	}
	v, err := g.readManifest(name)
	if err != nil {
		slog.Warn("live version has no readable manifest, rebuilding everything", "version", name, "error", err)
		return nil, nil
	}
	return v, nil
}

func (g *Generator) readManifest(name string) (*Version, error) {
	data, err := os.ReadFile(filepath.Join(g.versionsPath(), name, manifestFile))
	if err != nil {
		return nil, err
	}
	var v Version
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decoding manifest of %s: %w", name, err)
	}
	return &v, nil
}

// List returns all complete versions, newest first.
func (g *Generator) List() ([]Version, error) {
	entries, err := os.ReadDir(g.versionsPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	live, err := g.Live()
	if err != nil {
		return nil, err
	}

	var out []Version
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), tmpPrefix) {
			continue
		}
		v, err := g.readManifest(e.Name())
		if err != nil {
			slog.Warn("skipping version without manifest", "version", e.Name(), "error", err)
			continue
		}
		v.Live = v.Name == live
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Name > out[j].Name
	})
	return out, nil
}

// Rollback makes a retained version live again.
func (g *Generator) Rollback(ctx context.Context, name string) error {
	v, err := g.readManifest(name)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownVersion, name)
	}
	if err := g.swap(name); err != nil {
		return err
	}
	slog.Info("rolled back live version", "version", name)
	v.Live = true
	g.notify(ctx, v, true)
	return nil
}

// GC removes all but the newest retain versions. The live version is never
// removed. Staging directories left by crashed runs are removed once they
// are older than staleStaging. It returns the names removed.
func (g *Generator) GC(retain int) ([]string, error) {
	if retain < 1 {
		retain = 1
	}
	versions, err := g.List()
	if err != nil {
		return nil, err
	}

	var removed []string
	for i, v := range versions {
		if i < retain || v.Live {
			continue
		}
		if err := os.RemoveAll(filepath.Join(g.versionsPath(), v.Name)); err != nil {
			return removed, fmt.Errorf("removing %s: %w", v.Name, err)
		}
		removed = append(removed, v.Name)
	}

	entries, err := os.ReadDir(g.versionsPath())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return removed, err
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), tmpPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || time.Since(info.ModTime()) < staleStaging {
			continue
		}
		if err := os.RemoveAll(filepath.Join(g.versionsPath(), e.Name())); err != nil {
			return removed, err
		}
		removed = append(removed, e.Name())
	}

	if len(removed) > 0 {
		slog.Info("garbage collected artifact versions", "removed", len(removed), "retained", retain)
	}
	return removed, nil
}

// swap points live at versions/name by renaming a fresh symlink over it.
func (g *Generator) swap(name string) error {
	if _, err := os.Stat(filepath.Join(g.versionsPath(), name)); err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownVersion, name)
	}
	tmpLink := filepath.Join(g.opts.Dir, tmpPrefix+liveLink+"-"+name)
	os.Remove(tmpLink)
	if err := os.Symlink(filepath.Join(versionsDir, name), tmpLink); err != nil {
		return fmt.Errorf("creating live link: %w", err)
	}
	if err := os.Rename(tmpLink, g.livePath()); err != nil {
		os.Remove(tmpLink)
		return fmt.Errorf("swapping live link: %w", err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
