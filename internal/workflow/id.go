// Package workflow turns a mode definition into tasks in the task store,
// decides whether a session may exit, and drives the session lifecycle.
package workflow

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewWorkflowID returns "<mode>-<YYYYMMDD>-<suffix>" where suffix is the last
// ten characters of a monotonic ULID, lowercased. Two ids minted in the same
// process never collide.
func NewWorkflowID(modeID string, now time.Time) string {
	idMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(now), idEntropy)
	idMu.Unlock()

	s := strings.ToLower(id.String())
	return modeID + "-" + now.UTC().Format("20060102") + "-" + s[len(s)-10:]
}
