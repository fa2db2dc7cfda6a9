package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the engine startup banner.
func PrintBanner(config *Config, logger arbor.ILogger) {
	version := GetVersion()
	build := GetBuild()

	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(80)

	fmt.Printf("\n")
	b.PrintTopLine()
	b.PrintCenteredText("COURSEFORGE")
	b.PrintCenteredText("Course Build Engine")
	b.PrintSeparatorLine()
	b.PrintKeyValue("Version", version, 15)
	b.PrintKeyValue("Build", build, 15)
	b.PrintKeyValue("Environment", config.Storage.Environment, 15)
	b.PrintKeyValue("Database", config.Storage.Path, 15)
	b.PrintKeyValue("Max Concurrency", fmt.Sprintf("%d", config.Scheduler.MaxConcurrency), 15)
	b.PrintBottomLine()
	fmt.Printf("\n")

	logger.Info().
		Str("version", version).
		Str("build", build).
		Str("environment", config.Storage.Environment).
		Str("db_path", config.Storage.Path).
		Msg("CourseForge starting")

	printCapabilities(config, logger)
	fmt.Printf("\n")
}

// printCapabilities displays the configured worker tuples and tool paths.
func printCapabilities(config *Config, logger arbor.ILogger) {
	fmt.Printf("Worker pool:\n")

	workerTypes := make([]string, 0, len(config.Pool.Workers))
	for _, w := range config.Pool.Workers {
		fmt.Printf("   - %s x%d (%s)\n", w.Type, w.Count, w.ExecutionMode)
		workerTypes = append(workerTypes, w.Type)
	}
	if len(workerTypes) == 0 {
		fmt.Printf("   - no worker tuples configured\n")
	}

	if config.Tools.PlantUMLJar != "" {
		fmt.Printf("   - PlantUML jar: %s\n", config.Tools.PlantUMLJar)
	}
	if config.Tools.DrawioExecutable != "" {
		fmt.Printf("   - Draw.io executable: %s\n", config.Tools.DrawioExecutable)
	}

	logger.Info().
		Strs("worker_types", workerTypes).
		Str("storage", "sqlite").
		Bool("wal_mode", config.Storage.WALMode).
		Msg("System capabilities")
}

// PrintShutdownBanner displays the shutdown banner.
func PrintShutdownBanner(logger arbor.ILogger) {
	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(42)

	b.PrintTopLine()
	b.PrintCenteredText("SHUTTING DOWN")
	b.PrintCenteredText("COURSEFORGE")
	b.PrintBottomLine()
	fmt.Println()

	logger.Info().Int64("goroutines", GetGoroutineCount()).Msg("CourseForge shutting down")
}

// PrintColorizedMessage prints a message in the given color to stdout. It
// does not log; the logger argument is unused.
func PrintColorizedMessage(color, message string, logger arbor.ILogger) {
	fmt.Printf("%s%s%s\n", color, message, banner.ColorReset)
}

// PrintSuccess prints and logs a success message.
func PrintSuccess(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorGreen, fmt.Sprintf("✓ %s", message), logger)
	logger.Info().Str("type", "success").Msg(message)
}

// PrintError prints and logs an error message.
func PrintError(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorRed, fmt.Sprintf("✗ %s", message), logger)
	logger.Error().Str("type", "error").Msg(message)
}

// PrintWarning prints and logs a warning message.
func PrintWarning(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorYellow, fmt.Sprintf("⚠ %s", message), logger)
	logger.Warn().Str("type", "warning").Msg(message)
}

// PrintInfo prints and logs an info message.
func PrintInfo(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorCyan, fmt.Sprintf("ℹ %s", message), logger)
	logger.Info().Str("type", "info").Msg(message)
}
