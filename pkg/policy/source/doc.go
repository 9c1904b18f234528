// Package source loads rule sets from YAML files and keeps them fresh.
//
// FileSource parses a rules file, validates every rule, and serves the
// merged global-plus-client view the engine expects. A load that fails
// validation never replaces the previously loaded set. Watcher follows the
// file with fsnotify and reloads on change, notifying the engine so it can
// drop its rule cache.
package source
