package fvm

import (
	"os"
	"time"
)

// GCStats summarizes one garbage-collection pass.
type GCStats struct {
	SnapshotsRemoved int
	StagingPruned    int
	BytesReclaimed   int64
}

// Gc removes snapshot blobs older than maxAge whose version is not the
// latest in its chain and is not referenced by any retained turn checkpoint,
// then prunes stale staging entries. Invalidated versions get no special
// treatment: the same latest/retained/age rules apply to them.
func (m *Manager) Gc(maxAge time.Duration) GCStats {
	m.mu.Lock()
	cutoff := time.Now().Add(-maxAge)
	retained := make(map[string]bool)
	for _, tc := range m.turnCheckpoints {
		for _, id := range tc.VersionIDs {
			retained[id] = true
		}
	}

	var stats GCStats
	for rel, chain := range m.chains {
		if len(chain) == 0 {
			continue
		}
		latest := chain[len(chain)-1]
		keep := make([]*FileVersion, 0, len(chain))
		for _, v := range chain {
			eligible := v.VersionID != latest.VersionID &&
				!retained[v.VersionID] &&
				v.CreatedAt.Before(cutoff) &&
				v.SnapshotPath != ""
			if !eligible {
				keep = append(keep, v)
				continue
			}
			if info, err := os.Stat(v.SnapshotPath); err == nil {
				stats.BytesReclaimed += info.Size()
			}
			_ = os.RemoveAll(versionDirOf(v.SnapshotPath))
			stats.SnapshotsRemoved++
		}
		m.chains[rel] = keep
	}
	m.mu.Unlock()

	stats.StagingPruned = m.PruneStaleStaging()
	return stats
}

func versionDirOf(snapshotPath string) string {
	// snapshotPath is <versionsDir>/<ab>/<versionID>/<basename>; removing the
	// versionID directory drops the whole snapshot, not just the file.
	dir := snapshotPath
	for i := len(dir) - 1; i >= 0; i-- {
		if dir[i] == '/' {
			return dir[:i]
		}
	}
	return dir
}
