package monitoring

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shirou/gopsutil/process"
)

const unknownProcess = "unknown"

// ProcessNamer resolves a pid to its executable name. Names are cached
// briefly because focus tends to bounce between the same few processes.
type ProcessNamer struct {
	cache  *cache.Cache
	lookup func(pid int32) (string, error)
}

func NewProcessNamer(ttl time.Duration) *ProcessNamer {
	return &ProcessNamer{
		cache:  cache.New(ttl, 2*ttl),
		lookup: processName,
	}
}

func processName(pid int32) (string, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return "", err
	}
	return p.Name()
}

// Name returns the executable name of pid, or "unknown".
func (n *ProcessNamer) Name(pid uint32) string {
	if pid == 0 {
		return unknownProcess
	}
	key := strconv.FormatUint(uint64(pid), 10)
	if v, ok := n.cache.Get(key); ok {
		return v.(string)
	}

	name, err := n.lookup(int32(pid))
	if err != nil || name == "" {
		// not cached: the process may just be starting up
		return unknownProcess
	}
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	n.cache.SetDefault(key, name)
	return name
}
