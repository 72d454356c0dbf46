// Package diff summarizes OsmChange changeset files for observability.
package diff

import (
	"compress/gzip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/osmsync/osmsync/internal/domain/replication"
)

// Summarize streams the changeset at path and counts created, modified and
// deleted primitives by type. Counts are approximate by contract: they feed
// logs and metrics, never control flow.
func Summarize(path string) (replication.DiffSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return replication.DiffSummary{}, fmt.Errorf("failed to open changeset: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return replication.DiffSummary{}, fmt.Errorf("failed to read gzip changeset: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	return summarize(r)
}

func summarize(r io.Reader) (replication.DiffSummary, error) {
	var summary replication.DiffSummary

	dec := xml.NewDecoder(r)

	// action points at the counter bucket of the enclosing change block
	// while the decoder is inside one.
	var action *replication.PrimitiveCounts

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return summary, fmt.Errorf("failed to parse changeset: %w", err)
		}

		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "create":
				action = &summary.Created
			case "modify":
				action = &summary.Modified
			case "delete":
				action = &summary.Deleted
			case "node":
				if action != nil {
					action.Nodes++
				}
			case "way":
				if action != nil {
					action.Ways++
				}
			case "relation":
				if action != nil {
					action.Relations++
				}
			}
		case xml.EndElement:
			switch el.Name.Local {
			case "create", "modify", "delete":
				action = nil
			}
		}
	}

	return summary, nil
}
