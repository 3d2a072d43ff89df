package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard guides the user through first-time configuration, reading
// answers from in and writing prompts to out.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	return runSetup(cfg, bufio.NewReader(in), out, 0)
}

const maxSetupAttempts = 3

func runSetup(cfg *Config, reader *bufio.Reader, out io.Writer, attempt int) error {
	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║        discord-ipc - First Run Setup         ║")
	fmt.Fprintln(out, "╠══════════════════════════════════════════════╣")
	fmt.Fprintln(out, "║  Connects to your local Discord client.      ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	cfg.mu.Lock()

	fmt.Fprintln(out, "── Application ──")
	fmt.Fprintln(out, "  The application id is the numeric id of your app in the")
	fmt.Fprintln(out, "  Discord developer portal.")
	cfg.Client.ApplicationID = promptString(reader, out, "Application id", cfg.Client.ApplicationID)
	cfg.Client.Instance = promptInt(reader, out, "Client instance (-1 = first found)", cfg.Client.Instance)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Events ──")
	subs := promptString(reader, out, "Subscribe at startup (comma separated, e.g. activity,lobby)",
		strings.Join(cfg.Events.Subscribe, ","))
	cfg.Events.Subscribe = splitList(subs)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Diagnostics ──")
	cfg.API.Enabled = promptBool(reader, out, "Enable diagnostics API", cfg.API.Enabled)
	if cfg.API.Enabled {
		cfg.API.Port = promptInt(reader, out, "Diagnostics API port", cfg.API.Port)
	}
	cfg.Journal.Enabled = promptBool(reader, out, "Record history to sqlite journal", cfg.Journal.Enabled)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── MQTT Telemetry ──")
	cfg.MQTT.Enabled = promptBool(reader, out, "Enable MQTT telemetry", cfg.MQTT.Enabled)
	if cfg.MQTT.Enabled {
		cfg.MQTT.BrokerURL = promptString(reader, out, "MQTT broker host", cfg.MQTT.BrokerURL)
		cfg.MQTT.Port = promptInt(reader, out, "MQTT broker port", cfg.MQTT.Port)
	}

	cfg.mu.Unlock()

	// Validate before saving
	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		if attempt+1 >= maxSetupAttempts {
			return fmt.Errorf("configuration validation failed")
		}
		retry := promptString(reader, out, "Would you like to try again? (yes/no)", "yes")
		if strings.ToLower(retry) == "yes" {
			return runSetup(cfg, reader, out, attempt+1)
		}
		return fmt.Errorf("configuration validation failed")
	}

	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "✓ Configuration saved successfully!")
	fmt.Fprintln(out)

	return nil
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func promptString(reader *bufio.Reader, out io.Writer, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(out, "  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultVal int) int {
	fmt.Fprintf(out, "  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, out io.Writer, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}
