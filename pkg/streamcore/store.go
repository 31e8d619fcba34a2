package streamcore

import (
	"path/filepath"

	"github.com/vibetunnel/server/pkg/session"
)

// SessionStore adapts pkg/session's on-disk session.json records to the
// SessionInfoStore interface the Pruner uses, so streamcore never imports
// session's full lifecycle surface, just the bit of state it needs to
// remember across attaches. The Pruner only ever calls Save after a prior
// Load succeeded, so sessionID here is always a directory that already
// exists under controlDir.
type SessionStore struct {
	controlDir string
}

// NewSessionStore returns a SessionInfoStore backed by the session.json
// file under controlDir/<sessionID>/session.json.
func NewSessionStore(controlDir string) *SessionStore {
	return &SessionStore{controlDir: controlDir}
}

func (s *SessionStore) sessionPath(sessionID string) string {
	return filepath.Join(s.controlDir, sessionID)
}

func (s *SessionStore) Load(sessionID string) (*StoredInfo, error) {
	info, err := session.LoadInfo(s.sessionPath(sessionID))
	if err != nil {
		return nil, err
	}
	return &StoredInfo{LastClearOffset: info.LastClearOffset}, nil
}

func (s *SessionStore) Save(sessionID string, stored *StoredInfo) error {
	info, err := session.LoadInfo(s.sessionPath(sessionID))
	if err != nil {
		return err
	}
	info.LastClearOffset = stored.LastClearOffset
	return info.Save(s.sessionPath(sessionID))
}
