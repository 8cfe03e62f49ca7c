package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/studiobridge/pkg/bridge"
	"github.com/go-go-golems/studiobridge/pkg/config"
)

func loadSettings(cmd *cobra.Command) (config.Settings, error) {
	return config.Load(viper.New(), cmd.Flags(), configFile)
}

// newBridge builds a bridge from the resolved settings. One-shot commands do not poll.
func newBridge(cmd *cobra.Command, poll bool) (*bridge.Bridge, config.Settings, error) {
	s, err := loadSettings(cmd)
	if err != nil {
		return nil, s, err
	}
	opts := s.BridgeOptions()
	if !poll {
		opts.HealthInterval = -1
	}
	b, err := bridge.New(opts)
	if err != nil {
		return nil, s, err
	}
	return b, s, nil
}

func printResult(w io.Writer, v any) error {
	switch outputFmt {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		// through JSON so raw documents and custom marshalers render the same in both formats
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var doc any
		if err := json.Unmarshal(b, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return errors.Errorf("unknown output format %q", outputFmt)
	}
}

func stdout(cmd *cobra.Command) io.Writer {
	if w := cmd.OutOrStdout(); w != nil {
		return w
	}
	return os.Stdout
}

func printLine(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(stdout(cmd), format+"\n", args...)
}

func readAll(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read input")
	}
	return b, nil
}
