/*
Copyright © 2025 The pipemeter Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	humanize "github.com/dustin/go-humanize"
	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pipemeter/pkg/config"
	"pipemeter/pkg/display"
	"pipemeter/pkg/numbers"
	"pipemeter/pkg/signals"
	"pipemeter/pkg/transfer"
	"pipemeter/pkg/watch"
)

// Flags
var (
	cfgFile string
	verbose bool

	flagProgress    bool
	flagTimer       bool
	flagETA         bool
	flagFinETA      bool
	flagRate        bool
	flagAvgRate     bool
	flagBytes       bool
	flagBufPercent  bool
	flagLastWritten int
	flagFormat      string

	flagNumeric bool
	flagQuiet   bool
	flagForce   bool
	flagWait    bool
	flagBits    bool

	flagSize       string
	flagName       string
	flagInterval   string
	flagDelayStart string
	flagWidth      uint
	flagHeight     uint
	flagAvgWindow  uint

	flagLineMode bool
	flagNull     bool

	flagRateLimit  string
	flagBufferSize string
	flagNoSplice   bool
	flagSkipErrors int
	flagSkipBlock  string
	flagStopAtSize bool
	flagSync       bool
	flagDirectIO   bool
	flagDiscard    bool

	flagWatch  string
	flagRemote int
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pipemeter [file ...]",
	Short: "Monitor the progress of data through a pipe",
	Long: `Pipemeter copies its input files (or standard input) to standard output
while showing a progress display on standard error: how much data has
passed, how fast it is moving, and how long it is expected to take.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
	Run: Monitor,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pipemeter.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Increase verbosity")

	f := rootCmd.Flags()
	f.BoolVarP(&flagProgress, "progress", "p", false, "Show progress bar")
	f.BoolVarP(&flagTimer, "timer", "t", false, "Show elapsed time")
	f.BoolVarP(&flagETA, "eta", "e", false, "Show estimated time remaining")
	f.BoolVarP(&flagFinETA, "fineta", "I", false, "Show estimated local time of completion")
	f.BoolVarP(&flagRate, "rate", "r", false, "Show current transfer rate")
	f.BoolVarP(&flagAvgRate, "average-rate", "a", false, "Show average transfer rate")
	f.BoolVarP(&flagBytes, "bytes", "b", false, "Show amount transferred")
	f.BoolVarP(&flagBufPercent, "buffer-percent", "T", false, "Show buffer fill percentage")
	f.IntVarP(&flagLastWritten, "last-written", "A", 0, "Show the last N bytes written")
	f.StringVarP(&flagFormat, "format", "F", "", "Use this format string for the display")

	f.BoolVarP(&flagNumeric, "numeric", "n", false, "Output numeric values instead of a visual display")
	f.BoolVarP(&flagQuiet, "quiet", "q", false, "Transfer without any display")
	f.BoolVarP(&flagForce, "force", "f", false, "Display even if standard error is not a terminal")
	f.BoolVarP(&flagWait, "wait", "W", false, "Display nothing until the first byte has moved")
	f.BoolVar(&flagBits, "bits", false, "Show bit counts instead of byte counts")

	f.StringVarP(&flagSize, "size", "s", "", "Assume a total data size of SIZE")
	f.StringVarP(&flagName, "name", "N", "", "Prefix the display with this name")
	f.StringVarP(&flagInterval, "interval", "i", "", "Seconds between display updates")
	f.StringVarP(&flagDelayStart, "delay-start", "D", "", "Seconds to wait before showing the display")
	f.UintVarP(&flagWidth, "width", "w", 0, "Assume this terminal width")
	f.UintVarP(&flagHeight, "height", "H", 0, "Assume this terminal height")
	f.UintVar(&flagAvgWindow, "average-rate-window", 30, "Window in seconds for the average rate")

	f.BoolVarP(&flagLineMode, "line-mode", "l", false, "Count lines instead of bytes")
	f.BoolVarP(&flagNull, "null", "0", false, "Lines are terminated with NUL characters")

	f.StringVarP(&flagRateLimit, "rate-limit", "L", "", "Limit the transfer to RATE bytes per second")
	f.StringVarP(&flagBufferSize, "buffer-size", "B", "", "Use a transfer buffer of SIZE bytes")
	f.BoolVarP(&flagNoSplice, "no-splice", "C", false, "Never use the zero-copy fast path")
	f.CountVarP(&flagSkipErrors, "skip-errors", "E", "Skip read errors (twice: quietly)")
	f.StringVarP(&flagSkipBlock, "error-skip-block", "Z", "", "Skip past read errors in blocks of SIZE bytes")
	f.BoolVarP(&flagStopAtSize, "stop-at-size", "S", false, "Stop after --size bytes have been transferred")
	f.BoolVarP(&flagSync, "sync", "Y", false, "Synchronise the output after every write")
	f.BoolVarP(&flagDirectIO, "direct-io", "K", false, "Use direct I/O on the input files")
	f.BoolVarP(&flagDiscard, "discard", "X", false, "Read the input but write nothing")

	f.StringVarP(&flagWatch, "watchfd", "d", "", "Watch PID[:FD] of another process instead of transferring")
	f.IntVarP(&flagRemote, "remote", "R", 0, "Update the parameters of the instance running as PID")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := homedir.Dir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".pipemeter" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigName(".pipemeter")
	}

	viper.SetEnvPrefix("pipemeter")
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		log.Debugln("Using config file:", viper.ConfigFileUsed())
	}
}

// Monitor is the root command: copy data with a progress display, watch
// another process, or retune a running instance.
func Monitor(cmd *cobra.Command, args []string) {
	settings, _ := buildSettings(args)

	if flagRemote > 0 {
		if err := sendRemote(cmd, flagRemote); err != nil {
			log.Errorln(err)
			os.Exit(transfer.ExitAccessError)
		}
		return
	}

	sig := signals.Install()
	defer sig.Stop()

	status := &transfer.Status{}

	if settings.WatchPID > 0 {
		os.Exit(runWatch(settings, status, sig))
	}

	os.Exit(runTransfer(settings, status, sig))
}

// buildSettings resolves flags, config file values and terminal state into
// one Settings value.
func buildSettings(args []string) (*config.Settings, config.Toggles) {
	settings := config.New("pipemeter")
	settings.Files = args

	settings.Force = flagForce
	settings.Numeric = flagNumeric
	settings.NoDisplay = flagQuiet
	settings.Wait = flagWait
	settings.Bits = flagBits
	settings.LineMode = flagLineMode
	settings.NullTerminatedLines = flagNull
	settings.SkipErrors = uint(flagSkipErrors)
	settings.StopAtSize = flagStopAtSize
	settings.SyncAfterWrite = flagSync
	settings.DirectIO = flagDirectIO
	settings.NoSplice = flagNoSplice
	settings.DiscardInput = flagDiscard
	settings.Name = flagName
	settings.FormatString = flagFormat
	settings.AverageRateWindow = flagAvgWindow

	// Values not given on the command line may come from the config
	// file instead.
	if flagFormat == "" && viper.IsSet("format") {
		settings.FormatString = viper.GetString("format")
	}
	if flagInterval == "" && viper.IsSet("interval") {
		flagInterval = viper.GetString("interval")
	}
	if flagRateLimit == "" && viper.IsSet("rate-limit") {
		flagRateLimit = viper.GetString("rate-limit")
	}

	if flagInterval != "" {
		settings.Interval = numbers.ParseInterval(flagInterval)
	}
	if flagDelayStart != "" {
		settings.DelayStart = numbers.ParseInterval(flagDelayStart)
	}
	if flagRateLimit != "" {
		settings.RateLimit = numbers.ParseSize(flagRateLimit)
	}
	if flagBufferSize != "" {
		settings.TargetBufferSize = numbers.ParseSize(flagBufferSize)
	}
	if flagSkipBlock != "" {
		settings.ErrorSkipBlock = numbers.ParseSize(flagSkipBlock)
	}
	if flagSize != "" {
		settings.Size = numbers.ParseSize(flagSize)
	}

	settings.Width, settings.Height = display.TerminalSize(int(os.Stderr.Fd()))
	if flagWidth > 0 {
		settings.Width = flagWidth
		settings.WidthSetManually = true
	}
	if flagHeight > 0 {
		settings.Height = flagHeight
		settings.HeightSetManually = true
	}

	if flagWatch != "" {
		pid, fd, err := parseWatch(flagWatch)
		if err != nil {
			log.Errorln(err)
			os.Exit(transfer.ExitAccessError)
		}
		settings.WatchPID = pid
		settings.WatchFD = fd
	}

	settings.Normalize()

	toggles := config.Toggles{
		Progress:    flagProgress,
		Timer:       flagTimer,
		ETA:         flagETA,
		FinETA:      flagFinETA,
		Rate:        flagRate,
		AverageRate: flagAvgRate,
		Bytes:       flagBytes,
		BufPercent:  flagBufPercent,
		LastWritten: flagLastWritten,
	}
	settings.ApplyToggles(toggles)

	// Numeric mode reuses a few of the display toggles as its output
	// selectors.
	settings.NumericTimer = flagTimer
	settings.NumericRate = flagRate
	settings.NumericBytes = flagBytes || flagLineMode

	return settings, toggles
}

// parseWatch splits a PID[:FD] argument.
func parseWatch(spec string) (pid, fd int, err error) {
	pidPart, fdPart, hasFD := strings.Cut(spec, ":")
	pid, err = strconv.Atoi(pidPart)
	if err != nil || pid <= 0 {
		return 0, -1, fmt.Errorf("invalid watch target %q", spec)
	}
	if !hasFD {
		return pid, -1, nil
	}
	fd, err = strconv.Atoi(fdPart)
	if err != nil || fd < 0 {
		return 0, -1, fmt.Errorf("invalid watch target %q", spec)
	}
	return pid, fd, nil
}

// runTransfer performs the normal copy-with-progress operation and returns
// the exit code.
func runTransfer(settings *config.Settings, status *transfer.Status, sig *signals.Handler) int {
	disp := display.New(settings, os.Stderr)
	pump := transfer.NewPump(settings, status, disp, os.Stdout, disp)
	files := transfer.NewInputFileSet(settings, status, disp, int(os.Stdout.Fd()))

	if settings.TargetBufferSize <= 0 {
		first := "-"
		if len(settings.Files) > 0 {
			first = settings.Files[0]
		}
		settings.TargetBufferSize = transfer.GuessBufferSize(first)
	}

	if settings.Size <= 0 {
		settings.Size = files.CalcTotalSize(int(os.Stdout.Fd()))
	}
	if settings.Size > 0 {
		log.Debugf("expecting %s in total", humanize.IBytes(uint64(settings.Size)))
	}

	showDisplay := !settings.NoDisplay &&
		(settings.Force || display.IsTerminal(int(os.Stderr.Fd())))

	loop := transfer.NewLoop(settings, status, pump, files, disp, sig, showDisplay)
	return loop.Run()
}

// runWatch observes another process's file descriptors instead of moving
// data itself.
func runWatch(settings *config.Settings, status *transfer.Status, sig *signals.Handler) int {
	runner := &watch.Runner{
		Settings: settings,
		Status:   status,
		Signals:  sig,
		Out:      os.Stderr,
	}
	if settings.WatchFD >= 0 {
		return runner.WatchFD(settings.WatchPID, settings.WatchFD)
	}
	return runner.WatchPID(settings.WatchPID)
}
