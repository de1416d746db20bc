package conf

// Context carries the loaded settings from the root command to its
// subcommands. Settings is nil until the root pre-run hook has loaded them.
type Context struct {
	ConfigFile string
	Debug      bool
	Settings   *Settings
}
