package keep

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Journal entry states, in the order a swap moves through them.
const (
	statePrepared   = "prepared"
	stateMovedAside = "moved_aside"
	stateCommitted  = "committed"
)

// journalEntry tracks one live path being replaced. Sidecar entries have no
// New path: their live file is only moved aside.
type journalEntry struct {
	Resource string `json:"resource"`
	Live     string `json:"live"`
	New      string `json:"new,omitempty"`
	Old      string `json:"old"`
	HadLive  bool   `json:"had_live"`
	State    string `json:"state"`
}

// restoreJournal is persisted before live state is touched so an
// interrupted restore can be rolled back on the next start.
type restoreJournal struct {
	Backup    string         `json:"backup"`
	StartedAt time.Time      `json:"started_at"`
	Completed bool           `json:"completed"`
	Entries   []journalEntry `json:"entries"`
}

// writeJournal atomically replaces the journal at path.
func writeJournal(path string, j *restoreJournal) error {
	raw, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding restore journal: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".journal-*")
	if err != nil {
		return fmt.Errorf("creating restore journal: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("writing restore journal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing restore journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing restore journal: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming restore journal: %w", err)
	}
	success = true
	return nil
}

// readJournal returns the journal at path, or nil if there is none.
func readJournal(path string) (*restoreJournal, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading restore journal: %w", err)
	}
	var j restoreJournal
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("decoding restore journal %s: %w", path, err)
	}
	return &j, nil
}

func removeJournal(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing restore journal: %w", err)
	}
	return nil
}
