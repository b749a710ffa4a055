package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; changes to server
// addresses, stores, or provider wiring require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CorrectionChanged is true if confidence or anchor thresholds moved.
	CorrectionChanged bool

	// QualityChanged is true if the sentence equivalence threshold moved.
	QualityChanged bool

	// BucketsChanged is true if classification thresholds or the approval
	// policy moved.
	BucketsChanged bool
}

// Changed reports whether any hot-reloadable field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.CorrectionChanged || d.QualityChanged || d.BucketsChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Correction != new.Correction {
		d.CorrectionChanged = true
	}

	if old.Quality != new.Quality {
		d.QualityChanged = true
	}

	if old.Buckets != new.Buckets {
		d.BucketsChanged = true
	}

	return d
}
