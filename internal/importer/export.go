package importer

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/starford/kalendae/internal/calendar"
	"github.com/starford/kalendae/internal/ics"
	"github.com/starford/kalendae/internal/models"
	"github.com/starford/kalendae/internal/storage"
)

// Export writes every live master of colPath, with its overrides, to one
// .ics file per master under dir. It returns the number of files written.
func Export(ctx context.Context, svc *calendar.Service, files storage.Provider, colPath, dir string) (int, error) {
	rs, err := svc.GetByRange(ctx, calendar.RangeQuery{
		ColPaths: []string{colPath},
		Mode:     models.ModeOverrides,
	})
	if err != nil {
		return 0, err
	}

	written := 0
	for _, r := range rs.Results {
		if r.Master == nil || r.Master.Tombstoned {
			continue
		}
		name := r.Master.Name
		if !storage.IsCalendar(name) {
			name = ics.ResourceName(r.Master.UID)
		}
		var buf bytes.Buffer
		one := calendar.ResultSet{Mode: rs.Mode, Results: []calendar.Result{r}}
		if err := ics.Encode(&buf, one); err != nil {
			return written, fmt.Errorf("export %s: %w", r.Master.UID, err)
		}
		if err := files.Write(path.Join(dir, name), buf.Bytes()); err != nil {
			return written, fmt.Errorf("export %s: %w", r.Master.UID, err)
		}
		written++
	}
	return written, nil
}
