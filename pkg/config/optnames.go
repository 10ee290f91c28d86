package config

const (
	// Keys inside the configuration file. The dotted form is how viper addresses INI sections.
	KeyDownloadsFolder = "folders.downloads"
	KeyInputFile       = "files.input"
	KeyConnectTimeout  = "network.connect_timeout"
	KeyReadTimeout     = "network.read_timeout"
	KeyMaxWorkers      = "settings.max_workers"
	KeyRetryCount      = "settings.retry_count"
	KeyRetryDelay      = "settings.retry_delay"
	KeyNaming          = "settings.naming"
	KeyHistoryDatabase = "history.database"

	// Command line options
	OptConnTimeout  = "connect-timeout"
	OptDownloads    = "downloads"
	OptHistoryDB    = "history-db"
	OptInput        = "input"
	OptLogFile      = "log-file"
	OptLoggingLevel = "log-level"
	OptMaxWorkers   = "max-workers"
	OptNaming       = "naming"
	OptPIDFile      = "pid-file"
	OptReadTimeout  = "read-timeout"
	OptResolve      = "resolve"
	OptRetryCount   = "retry-count"
	OptRetryDelay   = "retry-delay"
	OptVerbose      = "verbose"
)
