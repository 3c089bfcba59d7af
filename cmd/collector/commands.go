package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wxq19/sabr-wx/internal/serial"
	"github.com/wxq19/sabr-wx/internal/store"
	"github.com/wxq19/sabr-wx/internal/types"
)

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List candidate serial devices for WEATHER_PORT",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := serial.ListPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no serial devices found")
				return nil
			}
			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func newShowCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the latest stored sample and its age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store.ReadLatest(path)
			if errors.Is(err, store.ErrNoSample) {
				fmt.Fprintln(cmd.OutOrStdout(), "no sample yet")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), describe(s, time.Now()))
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", defaultOutPath(), "latest sample file, WEATHER_OUT when set")
	return cmd
}

// defaultOutPath is where `run` writes with the current environment.
func defaultOutPath() string {
	if p := strings.TrimSpace(os.Getenv("WEATHER_OUT")); p != "" {
		return p
	}
	return store.DefaultPath
}

func describe(s types.Sample, now time.Time) string {
	out := fmt.Sprintf("time:        %s (%s ago)\n",
		s.Timestamp.Format(time.RFC3339), now.Sub(s.Timestamp).Truncate(time.Second))
	out += row("temperature", s.Temperature, "°C")
	out += row("humidity", s.Humidity, "%")
	out += row("pressure", s.Pressure, "hPa")
	if s.RawLine != "" {
		out += fmt.Sprintf("raw line:    %q\n", s.RawLine)
	}
	return out
}

func row(name string, v *float64, unit string) string {
	val := "-"
	if v != nil {
		val = strconv.FormatFloat(*v, 'f', -1, 64) + " " + unit
	}
	return fmt.Sprintf("%-12s %s\n", name+":", val)
}
