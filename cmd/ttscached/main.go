// Package main implements ttscached, the TTS audio cache daemon.
//
// ttscached serves cached speech audio over HTTP, generates misses
// through a priority pool of TTS backends, and warms the cache ahead
// of active sessions.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string

	rootCmd = &cobra.Command{
		Use:          "ttscached",
		Short:        "Caching daemon for text-to-speech audio",
		SilenceUsage: true,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version

	def := defaultConfig()
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ttscached.yaml in . or the user config dir)")
	rootCmd.PersistentFlags().String("addr", def.Addr, "daemon listen address")
	rootCmd.PersistentFlags().String("log-level", def.LogLevel, "log level: debug, info, warn, or error")

	serveCmd.Flags().String("cache-dir", def.Cache.Dir, "cache data directory")
	serveCmd.Flags().String("max-cache-size", def.Cache.MaxSize, "cache size cap, humanized (e.g. 512MiB)")
	serveCmd.Flags().String("kb-dir", def.KB.Dir, "question bank audio directory (empty disables /v1/kb)")

	rootCmd.AddCommand(serveCmd, statsCmd)
}
