package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rotisserie/eris"
)

var ErrNotFound = eris.New("server not found")

type Status string

const (
	StatusOffline     Status = "OFFLINE"
	StatusOnline      Status = "ONLINE"
	StatusMaintenance Status = "MAINTENANCE"
)

// ParseStatus accepts any letter case.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusOffline:
		return StatusOffline, true
	case StatusOnline:
		return StatusOnline, true
	case StatusMaintenance:
		return StatusMaintenance, true
	}
	return "", false
}

// Key uniquely addresses a ServerRecord.
type Key struct {
	Identifier string
	Region     string
	Version    int
	GamePort   int
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%d|%d", k.Identifier, k.Region, k.Version, k.GamePort)
}

type Options struct {
	Region    string `gorm:"column:option_region;uniqueIndex:idx_server_key" json:"region"`
	UserAgent string `gorm:"column:option_user_agent" json:"userAgent"`
	MatchID   string `gorm:"column:option_match_id;index" json:"matchId"`
	Playlist  string `gorm:"column:option_playlist" json:"playlist"`
}

// ServerRecord is one dedicated server reservation and the accounts waiting on it.
// Address and Port are where the server is hosted; GamePort is the session port
// the record is keyed on.
type ServerRecord struct {
	SessionID  string         `gorm:"column:session_id;primaryKey" json:"sessionId"`
	Status     Status         `gorm:"column:status;type:varchar(16);not null;default:OFFLINE" json:"status"`
	Version    int            `gorm:"column:version;uniqueIndex:idx_server_key" json:"version"`
	Identifier string         `gorm:"column:identifier;uniqueIndex:idx_server_key" json:"identifier"`
	GamePort   int            `gorm:"column:game_port;uniqueIndex:idx_server_key" json:"gamePort"`
	Address    string         `gorm:"column:address" json:"address"`
	Port       int            `gorm:"column:port" json:"port"`
	Queue      pq.StringArray `gorm:"column:queue;type:text[]" json:"queue"`
	Options    Options        `gorm:"embedded" json:"options"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

func (ServerRecord) TableName() string {
	return "mm_servers"
}

func (r *ServerRecord) Key() Key {
	return Key{Identifier: r.Identifier, Region: r.Options.Region, Version: r.Version, GamePort: r.GamePort}
}

// Position is the 1-based queue position of accountID, 0 when absent.
func (r *ServerRecord) Position(accountID string) int {
	for i, id := range r.Queue {
		if id == accountID {
			return i + 1
		}
	}
	return 0
}

func (r *ServerRecord) clone() *ServerRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Queue = append(pq.StringArray{}, r.Queue...)
	return &c
}

// appendMissing adds ids not already queued, preserving order, and reports how many were added.
func appendMissing(queue pq.StringArray, ids []string) (pq.StringArray, int) {
	seen := make(map[string]struct{}, len(queue)+len(ids))
	for _, id := range queue {
		seen[id] = struct{}{}
	}
	added := 0
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		queue = append(queue, id)
		added++
	}
	return queue, added
}

func removeAll(queue pq.StringArray, ids []string) pq.StringArray {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	out := make(pq.StringArray, 0, len(queue))
	for _, id := range queue {
		if _, ok := drop[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
