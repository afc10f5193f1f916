// Package storage tracks disk usage across a client's downloads, block cache, temp, and
// chunk-storage directories and reclaims space under a fixed cleanup priority order when
// usage crosses a configured threshold.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/totoro-ming-lin/chiral-network-sub001/daemon/manager"
)

// Config describes the directories this manager watches and the policy for triggering
// automatic cleanup.
type Config struct {
	MaxStorageSizeGB  uint64
	AutoCleanup       bool
	CleanupThreshold  uint64 // percent, 0-100
	DownloadPath      string
	BlockstorePath    string
	TempPath          string
	ChunkStoragePath  string
}

// Usage is a point-in-time snapshot of storage consumption.
type Usage struct {
	TotalBytes        int64
	DownloadsBytes    int64
	BlockstoreBytes   int64
	TempBytes         int64
	ChunkStorageBytes int64
	AvailableBytes    int64
	Timestamp         time.Time
}

// UsagePercentage returns total usage as a percentage of maxGB.
func (u Usage) UsagePercentage(maxGB uint64) float64 {
	maxBytes := float64(maxGB) * 1024 * 1024 * 1024
	if maxBytes == 0 {
		return 0
	}
	return float64(u.TotalBytes) / maxBytes * 100
}

// NeedsCleanup reports whether usage has crossed the configured threshold.
func (u Usage) NeedsCleanup(maxGB, threshold uint64) bool {
	return u.UsagePercentage(maxGB) >= float64(threshold)
}

// FormatBytes renders a byte count as a human-readable string.
func FormatBytes(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
		tb = gb * 1024
	)
	switch {
	case bytes >= tb:
		return fmt.Sprintf("%.2f TB", float64(bytes)/tb)
	case bytes >= gb:
		return fmt.Sprintf("%.2f GB", float64(bytes)/gb)
	case bytes >= mb:
		return fmt.Sprintf("%.2f MB", float64(bytes)/mb)
	case bytes >= kb:
		return fmt.Sprintf("%.2f KB", float64(bytes)/kb)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// CleanupReport summarizes one cleanup pass.
type CleanupReport struct {
	FilesDeleted    int
	BytesFreed      int64
	Duration        time.Duration
	Errors          []string
	DownloadsFreed  int64
	TempFreed       int64
	OrphanedFreed   int64
	CASEntriesFreed int
}

func (r *CleanupReport) addError(err error) {
	r.Errors = append(r.Errors, err.Error())
}

// fileInfo captures the metadata cleanup decisions are made from.
type fileInfo struct {
	path     string
	size     int64
	modified time.Time
}

func statFile(path string) (fileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return fileInfo{}, err
	}
	return fileInfo{path: path, size: fi.Size(), modified: fi.ModTime()}, nil
}

func (f fileInfo) olderThan(d time.Duration) bool {
	return time.Since(f.modified) > d
}

// Manager is the storage usage tracker and cleanup driver.
type Manager struct {
	cfg Config
	cas *manager.BoltCAS
}

// New builds a Manager for the given config. cas is optional; when non-nil, step 5 of
// cleanup garbage-collects stale block-cache entries from it.
func New(cfg Config, cas *manager.BoltCAS) *Manager {
	return &Manager{cfg: cfg, cas: cas}
}

// CalculateUsage walks every watched directory and queries available disk space for the
// download path's filesystem.
func (m *Manager) CalculateUsage() (Usage, error) {
	downloads, err := dirSize(m.cfg.DownloadPath)
	if err != nil {
		return Usage{}, err
	}
	blockstore, err := dirSize(m.cfg.BlockstorePath)
	if err != nil {
		return Usage{}, err
	}
	temp, err := dirSize(m.cfg.TempPath)
	if err != nil {
		return Usage{}, err
	}
	chunks, err := dirSize(m.cfg.ChunkStoragePath)
	if err != nil {
		return Usage{}, err
	}

	available, err := availableSpace(m.cfg.DownloadPath)
	if err != nil {
		available = 0
	}

	return Usage{
		TotalBytes:        downloads + blockstore + temp + chunks,
		DownloadsBytes:    downloads,
		BlockstoreBytes:   blockstore,
		TempBytes:         temp,
		ChunkStorageBytes: chunks,
		AvailableBytes:    available,
		Timestamp:         time.Now(),
	}, nil
}

// CheckAndCleanup calculates usage and, if auto-cleanup is enabled and the threshold is
// crossed, runs a cleanup pass. Returns nil, nil when no cleanup was needed or enabled.
func (m *Manager) CheckAndCleanup() (*CleanupReport, error) {
	usage, err := m.CalculateUsage()
	if err != nil {
		return nil, err
	}
	if !m.cfg.AutoCleanup {
		return nil, nil
	}
	if !usage.NeedsCleanup(m.cfg.MaxStorageSizeGB, m.cfg.CleanupThreshold) {
		return nil, nil
	}
	report := m.performCleanup(usage)
	return report, nil
}

// ForceCleanup runs a cleanup pass regardless of AutoCleanup or the threshold.
func (m *Manager) ForceCleanup() (*CleanupReport, error) {
	usage, err := m.CalculateUsage()
	if err != nil {
		return nil, err
	}
	return m.performCleanup(usage), nil
}

// performCleanup runs the fixed five-step reclaim order: orphaned temp files, old temp
// files (>24h), orphaned .part/.meta.json pairs (>7 days), LRU completed downloads, and
// finally a block-cache GC pass, stopping early once enough space has been freed.
func (m *Manager) performCleanup(usage Usage) *CleanupReport {
	start := time.Now()
	report := &CleanupReport{}

	targetPct := m.cfg.CleanupThreshold
	if targetPct < 10 {
		targetPct = 10
	} else {
		targetPct -= 10
	}
	if targetPct < 50 {
		targetPct = 50
	}
	maxBytes := int64(m.cfg.MaxStorageSizeGB) * 1024 * 1024 * 1024
	targetBytes := int64(float64(maxBytes) * float64(targetPct) / 100)
	bytesToFree := usage.TotalBytes - targetBytes
	if bytesToFree < 0 {
		bytesToFree = 0
	}

	var freed int64

	if b, err := m.cleanupOrphanedTempFiles(report); err != nil {
		report.addError(fmt.Errorf("orphaned temp cleanup: %w", err))
	} else {
		report.TempFreed += b
		freed += b
	}

	if freed < bytesToFree {
		if b, err := m.cleanupOldTempFiles(report, 24*time.Hour); err != nil {
			report.addError(fmt.Errorf("old temp cleanup: %w", err))
		} else {
			report.TempFreed += b
			freed += b
		}
	}

	if freed < bytesToFree {
		if b, err := m.cleanupOrphanedPartFiles(report, 7*24*time.Hour); err != nil {
			report.addError(fmt.Errorf("orphaned part cleanup: %w", err))
		} else {
			report.OrphanedFreed += b
			freed += b
		}
	}

	if freed < bytesToFree {
		if b, err := m.cleanupOldDownloads(report, bytesToFree-freed); err != nil {
			report.addError(fmt.Errorf("lru download cleanup: %w", err))
		} else {
			report.DownloadsFreed += b
			freed += b
		}
	}

	if freed < bytesToFree && m.cas != nil {
		if n, err := m.cas.GC(7 * 24 * time.Hour); err != nil {
			report.addError(fmt.Errorf("cas gc: %w", err))
		} else {
			report.CASEntriesFreed = n
		}
	}

	report.BytesFreed = freed
	report.Duration = time.Since(start)
	return report
}

func (m *Manager) cleanupOrphanedTempFiles(report *CleanupReport) (int64, error) {
	entries, err := os.ReadDir(m.cfg.TempPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var freed int64
	for _, entry := range entries {
		path := filepath.Join(m.cfg.TempPath, entry.Name())
		switch {
		case strings.HasSuffix(entry.Name(), ".tmp"):
			bitmapSibling := strings.TrimSuffix(path, ".tmp") + ".bitmap"
			if _, err := os.Stat(bitmapSibling); err == nil {
				continue
			}
			fi, err := statFile(path)
			if err != nil {
				continue
			}
			if removeFile(path) {
				freed += fi.size
				report.FilesDeleted++
			}
		case strings.HasSuffix(entry.Name(), ".bitmap"):
			tmpSibling := strings.TrimSuffix(path, ".bitmap") + ".tmp"
			if _, err := os.Stat(tmpSibling); os.IsNotExist(err) {
				fi, err := statFile(path)
				if err != nil {
					continue
				}
				if removeFile(path) {
					freed += fi.size
					report.FilesDeleted++
				}
			}
		}
	}
	return freed, nil
}

func (m *Manager) cleanupOldTempFiles(report *CleanupReport, age time.Duration) (int64, error) {
	entries, err := os.ReadDir(m.cfg.TempPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var freed int64
	for _, entry := range entries {
		path := filepath.Join(m.cfg.TempPath, entry.Name())
		fi, err := statFile(path)
		if err != nil {
			continue
		}
		if fi.olderThan(age) && removeFile(path) {
			freed += fi.size
			report.FilesDeleted++
		}
	}
	return freed, nil
}

func (m *Manager) cleanupOrphanedPartFiles(report *CleanupReport, staleThreshold time.Duration) (int64, error) {
	entries, err := os.ReadDir(m.cfg.DownloadPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var freed int64
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(m.cfg.DownloadPath, name)

		switch {
		case strings.HasSuffix(name, ".part"):
			metaPath := path + ".meta.json"
			if _, err := os.Stat(metaPath); os.IsNotExist(err) {
				fi, serr := statFile(path)
				if serr == nil && fi.olderThan(staleThreshold) && removeFile(path) {
					freed += fi.size
					report.FilesDeleted++
				}
			}
		case strings.HasSuffix(name, ".part.meta.json"):
			partPath := strings.TrimSuffix(path, ".meta.json")
			if _, err := os.Stat(partPath); os.IsNotExist(err) {
				fi, serr := statFile(path)
				if serr == nil && fi.olderThan(staleThreshold) && removeFile(path) {
					freed += fi.size
					report.FilesDeleted++
				}
			}
		}
	}
	return freed, nil
}

func (m *Manager) cleanupOldDownloads(report *CleanupReport, bytesNeeded int64) (int64, error) {
	entries, err := os.ReadDir(m.cfg.DownloadPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var files []fileInfo
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".meta.json") {
			continue
		}
		if entry.IsDir() {
			continue
		}
		fi, err := statFile(filepath.Join(m.cfg.DownloadPath, name))
		if err != nil {
			continue
		}
		files = append(files, fi)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modified.Before(files[j].modified) })

	var freed int64
	for _, fi := range files {
		if freed >= bytesNeeded {
			break
		}
		if removeFile(fi.path) {
			freed += fi.size
			report.FilesDeleted++
		}
	}
	return freed, nil
}

func removeFile(path string) bool {
	return os.Remove(path) == nil
}

func dirSize(root string) (int64, error) {
	info, err := os.Stat(root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}

	var total int64
	err = filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			total += fi.Size()
		}
		return nil
	})
	return total, err
}
