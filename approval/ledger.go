package approval

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AP3X-Dev/AG3NT/secrets"
)

// DecisionAuto marks ledger records for requests that needed no decision.
const DecisionAuto = "auto"

// Record is one line of the approval ledger.
type Record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Turn      int       `json:"turn"`
	CallID    string    `json:"call_id"`
	ToolName  string    `json:"tool_name"`
	Risk      string    `json:"risk"`
	Arguments string    `json:"arguments,omitempty"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LedgerStats aggregates decisions.
type LedgerStats struct {
	Total      int                       `json:"total"`
	ByDecision map[string]int            `json:"by_decision"`
	ByTool     map[string]map[string]int `json:"by_tool"`
}

// Ledger is an append-only record of approval outcomes. With a path it is
// persisted as JSONL; without one it lives in memory.
type Ledger struct {
	path     string
	scrubber secrets.Scrubber
	now      func() time.Time

	mu      sync.Mutex
	records []Record
}

// NewLedger opens the ledger at path, loading existing records. Arguments
// are passed through scrubber before they are written.
func NewLedger(path string, scrubber secrets.Scrubber) (*Ledger, error) {
	l := &Ledger{
		path:     path,
		scrubber: secrets.OrNop(scrubber),
		now:      time.Now,
	}
	if path == "" {
		return l, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	records, err := readRecords(path)
	if err != nil {
		return nil, err
	}
	l.records = records
	return l, nil
}

// LoadLedger opens an existing ledger for reading.
func LoadLedger(path string) (*Ledger, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return NewLedger(path, nil)
}

func readRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("ledger %s line %d: %w", path, line, err)
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}
	return out, nil
}

// Append assigns an id and timestamp when missing, scrubs the arguments
// and persists the record.
func (l *Ledger) Append(r Record) (Record, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = l.now().UTC()
	}
	r.Arguments = l.scrubber.Scrub(r.Arguments)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.path != "" {
		line, err := json.Marshal(r)
		if err != nil {
			return r, fmt.Errorf("encoding ledger record: %w", err)
		}
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return r, fmt.Errorf("opening ledger: %w", err)
		}
		_, werr := f.Write(append(line, '\n'))
		cerr := f.Close()
		if werr != nil {
			return r, fmt.Errorf("writing ledger: %w", werr)
		}
		if cerr != nil {
			return r, fmt.Errorf("closing ledger: %w", cerr)
		}
	}
	l.records = append(l.records, r)
	return r, nil
}

// Records returns a copy of all records in append order.
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record(nil), l.records...)
}

// Stats counts records by decision and by tool.
func (l *Ledger) Stats() LedgerStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := LedgerStats{
		ByDecision: make(map[string]int),
		ByTool:     make(map[string]map[string]int),
	}
	for _, r := range l.records {
		st.Total++
		st.ByDecision[r.Decision]++
		if st.ByTool[r.ToolName] == nil {
			st.ByTool[r.ToolName] = make(map[string]int)
		}
		st.ByTool[r.ToolName][r.Decision]++
	}
	return st
}

// Tools returns the tool names present in stats, sorted.
func (s LedgerStats) Tools() []string {
	out := make([]string, 0, len(s.ByTool))
	for name := range s.ByTool {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
