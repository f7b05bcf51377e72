package transfer

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/model"
)

// Entry is one item of a remote directory listing.
type Entry struct {
	Name    string      `json:"name"`
	Size    int64       `json:"size"`
	IsDir   bool        `json:"isDir"`
	Mode    os.FileMode `json:"mode"`
	ModTime time.Time   `json:"modTime"`
}

// ListDir lists one remote directory over the host's file session,
// directories first, then by name. It does not recurse.
func (t *Tracker) ListDir(ctx context.Context, host *model.Host, dir string) ([]Entry, error) {
	fc, err := t.pool.AcquireFile(ctx, host, false)
	if err != nil {
		return nil, err
	}

	infos, err := fc.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("%s not found on '%s'", dir, host.Name), "")
		}
		return nil, errors.WrapWithCode(err, errors.ErrTransfer, fmt.Sprintf("Couldn't list %s on '%s'", dir, host.Name), "")
	}

	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, Entry{
			Name:    fi.Name(),
			Size:    fi.Size(),
			IsDir:   fi.IsDir(),
			Mode:    fi.Mode(),
			ModTime: fi.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}
