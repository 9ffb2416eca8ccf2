package rules

import (
	"time"

	"github.com/arrgate/arrgate/internal/domain/upstream"
)

// BuiltIn returns the seed rule set shipped with the gateway. IDs are
// stable so re-seeding after an upgrade updates rather than duplicates.
func BuiltIn() []Rule {
	now := time.Now().UTC()
	mk := func(id string, kind upstream.Kind, name, desc string, sev Severity, cond, fix string) Rule {
		return Rule{
			ID:          id,
			Upstream:    kind,
			Name:        name,
			Description: desc,
			Severity:    sev,
			Condition:   cond,
			Remediation: fix,
			Enabled:     true,
			BuiltIn:     true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}

	return []Rule{
		mk("download-single-server", upstream.KindDownload,
			"Single news server",
			"Only one news server is configured, so a provider outage stalls every download.",
			SeverityWarning,
			`int(config.server_count) < 2`,
			"Add a block account on a second provider as a backup server."),
		mk("download-no-retention-check", upstream.KindDownload,
			"Pre-download check disabled",
			"Availability pre-check is off; dead posts fail late instead of being skipped.",
			SeverityInfo,
			`config.pre_check == false`,
			"Enable the pre-download availability check in switches."),
		mk("download-unpack-disabled", upstream.KindDownload,
			"Direct unpack disabled",
			"Direct unpack is off, adding minutes of post-processing per job.",
			SeverityInfo,
			`has(config.direct_unpack) && config.direct_unpack == false && version_at_least(version, "3.0.0")`,
			"Enable direct unpack in switches."),
		mk("tv-no-recycle-bin", upstream.KindTvManager,
			"Recycle bin not configured",
			"Deleted episode files are removed permanently instead of moving to a recycle bin.",
			SeverityWarning,
			`!has(config.recycle_bin) || string(config.recycle_bin) == ""`,
			"Set a recycle bin path under media management."),
		mk("tv-analysis-disabled", upstream.KindTvManager,
			"Library analysis disabled",
			"Disk scan on refresh is disabled, so external changes go unnoticed.",
			SeverityInfo,
			`has(config.rescan_after_refresh) && string(config.rescan_after_refresh) == "never"`,
			"Set rescan after refresh to afterManual or always."),
		mk("movie-no-recycle-bin", upstream.KindMovieManager,
			"Recycle bin not configured",
			"Deleted movie files are removed permanently instead of moving to a recycle bin.",
			SeverityWarning,
			`!has(config.recycle_bin) || string(config.recycle_bin) == ""`,
			"Set a recycle bin path under media management."),
		mk("library-scan-disabled", upstream.KindMediaLibrary,
			"Partial scan disabled",
			"Automatic partial scans are off, so new media only appears after manual refreshes.",
			SeverityWarning,
			`has(config.auto_scan) && config.auto_scan == false`,
			"Enable 'update my library automatically' in the server settings."),
		mk("library-empty-trash-manual", upstream.KindMediaLibrary,
			"Automatic trash emptying enabled",
			"Trash is emptied automatically; a temporarily unmounted drive deletes library metadata.",
			SeverityCritical,
			`has(config.auto_empty_trash) && config.auto_empty_trash == true`,
			"Disable automatic trash emptying and empty manually after verifying mounts."),
	}
}
