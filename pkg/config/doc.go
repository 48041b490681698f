// Package config loads the node agent configuration.
//
// Values are layered: Default, then an optional YAML file, then FLOWNODE_*
// environment variables. Command-line flags are applied on top by the
// flownode command. Validate fills derived values such as the config
// directory, which defaults to <data_dir>/config.
package config
