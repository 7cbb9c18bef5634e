// Package manifest discovers source packages by scanning package.xml files
package manifest

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/catkinbloom/catkinbloom/pkg/logger"
	"github.com/catkinbloom/catkinbloom/pkg/types"
	"golang.org/x/net/html/charset"
)

// FileName is the manifest file name looked for while scanning
const FileName = "package.xml"

// ErrManifest is wrapped by every scan failure caused by a manifest file
var ErrManifest = errors.New("invalid package manifest")

// ScanError reports the manifest that could not be read or parsed
type ScanError struct {
	Path string
	Err  error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *ScanError) Unwrap() []error {
	return []error{ErrManifest, e.Err}
}

// Manifest is the subset of a package.xml needed to order builds
type Manifest struct {
	Name    string
	Depends types.DependencySet
}

// Parse streams a manifest and extracts the package name and every
// dependency, whatever its category. Name is empty when the manifest has no
// top-level name element. Manifests declaring a non-UTF-8 encoding are
// transcoded.
func Parse(r io.Reader) (*Manifest, error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel
	m := &Manifest{Depends: types.NewDependencySet()}
	depth := 0

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			tag := t.Name.Local
			isName := tag == "name" && depth == 2
			isDep := strings.HasSuffix(tag, "depend")
			if !isName && !isDep {
				continue
			}

			var text struct {
				Value string `xml:",chardata"`
			}
			if err := dec.DecodeElement(&text, &t); err != nil {
				return nil, err
			}
			// DecodeElement consumed the matching end element
			depth--

			value := strings.TrimSpace(text.Value)
			switch {
			case isName:
				if m.Name == "" {
					m.Name = value
				}
			case value != "":
				m.Depends.Add(value)
			}
		case xml.EndElement:
			depth--
		}
	}

	if depth != 0 {
		return nil, fmt.Errorf("unbalanced elements at end of document")
	}
	return m, nil
}

// Scanner walks a source tree and collects its packages
type Scanner struct {
	logger logger.Logger
}

// NewScanner creates a new manifest scanner
func NewScanner(log logger.Logger) *Scanner {
	return &Scanner{logger: log}
}

// Scan finds every package.xml under root and returns the workspace table.
// Packages named in ignore are left out of the workspace entirely. Any
// unreadable or malformed manifest aborts the scan.
func (s *Scanner) Scan(ctx context.Context, root string, ignore []string) (types.Workspace, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source root: %w", err)
	}

	ignored := types.NewDependencySet(ignore...)
	ws := make(types.Workspace)

	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == absRoot {
				return walkErr
			}
			s.logger.Warn("Skipping unreadable path",
				logger.WithField("path", path),
				logger.WithError(walkErr))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || d.Name() != FileName {
			return nil
		}

		s.logger.Debug("Found manifest", logger.WithField("path", path))

		m, err := parseFile(path)
		if err != nil {
			return &ScanError{Path: path, Err: err}
		}

		if m.Name == "" {
			s.logger.Warn("Manifest has no name element, skipping",
				logger.WithField("path", path))
			return nil
		}
		if ignored.Has(m.Name) {
			s.logger.Debug("Ignoring package", logger.WithField("package", m.Name))
			return nil
		}
		if prev, dup := ws[m.Name]; dup {
			return &ScanError{
				Path: path,
				Err:  fmt.Errorf("package %s already defined in %s", m.Name, prev.Dir),
			}
		}

		ws[m.Name] = &types.Package{
			Name:    m.Name,
			Dir:     filepath.Dir(path),
			Depends: m.Depends,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ws, nil
}

func parseFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f)
}
