package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

const maxSetupAttempts = 3

// RunSetupWizard prompts for the essential settings, validates them and
// saves the result to the config file. Blank answers keep the current value.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	w := &wizard{reader: bufio.NewReader(in), out: out}

	fmt.Fprintln(out, "── tether setup ──")
	fmt.Fprintln(out, "Press enter to keep the value in brackets.")

	for attempt := 1; ; attempt++ {
		w.prompt(cfg)
		if w.eof {
			return errors.New("setup aborted: input closed")
		}

		result := Validate(cfg)
		if result.IsValid() {
			for _, warn := range result.Warnings {
				log.Warn().Str("field", warn.Field).Msg(warn.Message)
			}
			break
		}

		fmt.Fprintln(out, "\nConfiguration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		if attempt >= maxSetupAttempts || !w.askBool("Try again", true) {
			return fmt.Errorf("configuration validation failed")
		}
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(out, "\nConfiguration saved to %s\n", cfg.Path())
	return nil
}

type wizard struct {
	reader *bufio.Reader
	out    io.Writer
	eof    bool
}

func (w *wizard) prompt(cfg *Config) {
	sd := cfg.GetServerData()
	app := cfg.GetApplicationData()

	fmt.Fprintln(w.out, "\n── Server ──")
	sd.Name = w.askString("Server name", sd.Name)
	sd.BindAddress = w.askString("Bind address", sd.BindAddress)
	sd.SessionPort = w.askInt("Session port", sd.SessionPort)
	sd.SessionPath = w.askString("Session path", sd.SessionPath)
	sd.APIPort = w.askInt("Admin API port", sd.APIPort)

	fmt.Fprintln(w.out, "\n── Sync loop ──")
	sd.TickIntervalMs = w.askInt("Tick interval (ms)", sd.TickIntervalMs)
	sd.MaxParticipants = w.askInt("Max participants", sd.MaxParticipants)

	fmt.Fprintln(w.out, "\n── Security ──")
	app.Security.TLSEnabled = w.askBool("Enable TLS", app.Security.TLSEnabled)
	if token := w.askString("Admin API token (blank keeps current)", ""); token != "" {
		app.Security.AdminToken = token
	}

	fmt.Fprintln(w.out, "\n── MQTT Telemetry ──")
	app.MQTT.Enabled = w.askBool("Enable MQTT telemetry", app.MQTT.Enabled)
	if app.MQTT.Enabled {
		app.MQTT.BrokerURL = w.askString("MQTT broker host", app.MQTT.BrokerURL)
		app.MQTT.Port = w.askInt("MQTT broker port", app.MQTT.Port)
	}

	cfg.SetServerData(sd)
	cfg.SetApplicationData(app)
}

func (w *wizard) readLine() string {
	input, err := w.reader.ReadString('\n')
	if err != nil && input == "" {
		w.eof = true
	}
	return strings.TrimSpace(input)
}

func (w *wizard) askString(prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(w.out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(w.out, "  %s: ", prompt)
	}

	if input := w.readLine(); input != "" {
		return input
	}
	return defaultVal
}

func (w *wizard) askInt(prompt string, defaultVal int) int {
	fmt.Fprintf(w.out, "  %s [%d]: ", prompt, defaultVal)

	input := w.readLine()
	if input == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(w.out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func (w *wizard) askBool(prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}
	fmt.Fprintf(w.out, "  %s [%s]: ", prompt, defaultStr)

	input := strings.ToLower(w.readLine())
	if input == "" {
		return defaultVal
	}
	return input == "yes" || input == "y" || input == "true" || input == "1"
}
