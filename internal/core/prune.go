package core

import (
	"context"
	"fmt"

	"mcranalyzer/internal/blob"
	"mcranalyzer/internal/logging"
	"mcranalyzer/pkg/domain"
)

// PruneReport lists the archived images no stored measurement references.
type PruneReport struct {
	Scanned int      `json:"scanned"`
	Orphans []string `json:"orphans"`
	Removed []string `json:"removed"`
	DryRun  bool     `json:"dry_run"`
}

// PruneArchive removes archived images whose checksum belongs to no stored
// measurement. Keys outside the image layout are left alone. With dryRun
// set the orphans are only reported.
func PruneArchive(ctx context.Context, store domain.Store, archive *blob.Archive, dryRun bool, log *logging.Logger) (*PruneReport, error) {
	if log == nil {
		log = logging.Nop()
	}
	log = log.WithComponent("prune")
	infos, err := archive.List(ctx)
	if err != nil {
		return nil, err
	}
	report := &PruneReport{Scanned: len(infos), Orphans: []string{}, Removed: []string{}, DryRun: dryRun}
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		sum, ok := blob.ChecksumOf(info.Key)
		if !ok {
			continue
		}
		_, found, err := store.FindMeasurementByChecksum(ctx, sum)
		if err != nil {
			return report, fmt.Errorf("look up %s: %w", info.Key, err)
		}
		if found {
			continue
		}
		report.Orphans = append(report.Orphans, info.Key)
		if dryRun {
			continue
		}
		if _, err := archive.Remove(ctx, info.Key); err != nil {
			return report, fmt.Errorf("remove %s: %w", info.Key, err)
		}
		report.Removed = append(report.Removed, info.Key)
		log.Info().Str("key", info.Key).Msg("orphaned image removed")
	}
	return report, nil
}
