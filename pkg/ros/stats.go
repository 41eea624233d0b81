package ros

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

func writeStats(dir string, stats Stats) error {
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("ros: failed to marshal stats: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "stats.json"), data, 0644)
}

func readStats(dir string) (Stats, error) {
	data, err := os.ReadFile(filepath.Join(dir, "stats.json"))
	if err != nil {
		return Stats{}, fmt.Errorf("ros: failed to read stats file: %w", err)
	}
	var stats Stats
	if err := json.Unmarshal(data, &stats); err != nil {
		return Stats{}, fmt.Errorf("ros: failed to unmarshal stats: %w", err)
	}
	return stats, nil
}
