package zone

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// export writes the zone at snap as an RFC 1035 master file into the export
// directory.  The file is written atomically, so readers never observe a
// partial zone.
func (z *Zone) export(snap *snapshot) (err error) {
	b := &strings.Builder{}
	_, _ = fmt.Fprintf(b, "$ORIGIN %s\n", snap.name)
	_, _ = fmt.Fprintf(b, ";; serial %d\n", snap.serial)

	for _, rr := range snap.allRecords() {
		_, _ = b.WriteString(rr.String())
		_, _ = b.WriteString("\n")
	}

	path := filepath.Join(z.exportDir, strings.TrimSuffix(snap.name, ".")+".zone")
	err = renameio.WriteFile(path, []byte(b.String()), 0o644)
	if err != nil {
		return fmt.Errorf("writing %q: %w", path, err)
	}

	return nil
}
