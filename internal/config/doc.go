// Package config handles loading and validation of cpm configuration.
//
// Configuration is read from ~/.config/cpm/config.toml with environment
// variable overrides.
//
// # Configuration Sources (highest priority first)
//
//   - Command-line flags (--repo-root, --repo), applied by the CLI
//   - CPM_REPO_ROOT, CPM_MARKETPLACE_REPO, CPM_CLIENT_ID, CPM_TOKEN env vars
//   - Config file settings
//   - Default values
//
// # Key Settings
//
//   - repo_root: the profiles repository (default: current directory)
//   - target: project whose .claude directory is swapped (default: parent of repo_root)
//   - [marketplace] repo: "owner/repo" that receives profile submissions
//   - [auth] client_id: OAuth app used for the browser (device) login
//
// # Path Validation
//
// Directory paths must be absolute or start with ~ (no relative paths like "."
// or "..") to avoid confusion about the working directory.
package config
