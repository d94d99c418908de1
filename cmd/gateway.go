// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"vendlink/internal/gateway"
	"vendlink/internal/logger"
)

const defaultGatewayConfigPath = "vendlink.yml"

var (
	gatewayConfigPath    string
	gatewayDBDriver      string
	gatewayDBPath        string
	gatewayBrokerURL     string
	gatewayAPIAddr       string
	gatewayDebugFlag     bool
	gatewayVerboseStatus bool
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the Vendlink gateway daemon",
	Long: `The gateway connects to the MQTT broker, keeps the device location cache
up to date and serves the REST API used by the vending machine backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, configPath, err := loadGatewayConfiguration()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		setupLogging(config)
		log := logger.New()

		log.Info().
			Str("config_file", configPath).
			Str("db_driver", config.Database.Driver).
			Str("broker", config.MQTT.Broker).
			Str("namespace", config.MQTT.Namespace).
			Str("api_address", config.Server.API.Address).
			Str("log_level", config.Logging.Level).
			Msg("Starting Vendlink gateway daemon")

		database, err := gateway.NewDatabase(config.Database.Driver, config.Database.DSN, config.Database.MaxConnections)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize database")
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer database.Close()
		database.SetQueryTimeout(config.GetDatabaseTimeout())

		brokerService, err := gateway.NewBrokerService(config, database)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create broker service")
			return err
		}

		apiServer := gateway.NewAPIServer(brokerService.Liaison(), database, config)

		errChan := make(chan error, 2)

		if err := brokerService.Start(); err != nil {
			return fmt.Errorf("broker service error: %w", err)
		}

		go func() {
			if err := apiServer.Start(config.Server.API.Address); err != nil {
				errChan <- fmt.Errorf("API server error: %w", err)
			}
		}()

		// Handle graceful shutdown
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		var runErr error
		select {
		case sig := <-sigChan:
			log.Info().
				Str("signal", sig.String()).
				Msg("Received shutdown signal")
		case runErr = <-errChan:
			log.Error().Err(runErr).Msg("Service error")
		}

		log.Info().Msg("Shutting down gateway services")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Stop the broker first so in-flight health checks resolve before
		// the HTTP server waits on them.
		if err := brokerService.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping broker service")
		}

		if err := apiServer.Stop(ctx); err != nil {
			log.Error().Err(err).Msg("Error stopping API server")
		}

		log.Info().Msg("Gateway daemon stopped")
		return runErr
	},
}

var gatewayStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check gateway daemon status",
	Long:  `Check the status of the running gateway daemon via its /health endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkGatewayStatus(cmd)
	},
}

var gatewayInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize gateway with default configuration",
	Long:  `Create a default configuration file and the vending machine database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("Initializing gateway...\n")

		configPath := gatewayConfigPath
		if configPath == "" {
			configPath = defaultGatewayConfigPath
		}

		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			cmd.Printf("Creating default configuration: %s\n", configPath)
			config := gateway.NewDefaultGatewayConfig()
			applyGatewayOverrides(config)

			if err := gateway.SaveGatewayConfig(config, configPath); err != nil {
				return fmt.Errorf("failed to save config file: %w", err)
			}

			cmd.Printf("%s Configuration file created: %s\n", okMark(), configPath)
		} else {
			cmd.Printf("%s Configuration file already exists: %s\n", okMark(), configPath)
		}

		config, err := gateway.LoadGatewayConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		cmd.Printf("Initializing database: %s (%s)\n", config.Database.DSN, config.Database.Driver)
		database, err := gateway.NewDatabase(config.Database.Driver, config.Database.DSN, config.Database.MaxConnections)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer database.Close()

		cmd.Printf("\n%s\n", successStyle.Render("Gateway initialization complete!"))
		cmd.Printf("Configuration: %s\n", configPath)
		cmd.Printf("Start the gateway with: vendlink gateway -c %s\n", configPath)
		cmd.Printf("MQTT Broker: %s\n", config.MQTT.Broker)
		cmd.Printf("API Address: %s\n", config.Server.API.Address)
		cmd.Printf("Health endpoint: %s/health\n", apiBaseURL(config.Server.API.Address))

		return nil
	},
}

func init() {
	gatewayCmd.PersistentFlags().StringVarP(&gatewayConfigPath, "config", "c", "", "Path to gateway configuration file (default vendlink.yml)")
	gatewayCmd.PersistentFlags().StringVar(&gatewayAPIAddr, "api", "", "REST API listen address")
	gatewayCmd.Flags().StringVar(&gatewayDBDriver, "driver", "", "Database driver (sqlite or postgres)")
	gatewayCmd.Flags().StringVar(&gatewayDBPath, "db", "", "Database DSN or SQLite file path")
	gatewayCmd.Flags().StringVar(&gatewayBrokerURL, "broker", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	gatewayCmd.Flags().BoolVarP(&gatewayDebugFlag, "debug", "d", false, "Enable debug logging")

	gatewayInitCmd.Flags().StringVar(&gatewayDBDriver, "driver", "", "Database driver (sqlite or postgres)")
	gatewayInitCmd.Flags().StringVar(&gatewayDBPath, "db", "", "Database DSN or SQLite file path")
	gatewayInitCmd.Flags().StringVar(&gatewayBrokerURL, "broker", "", "MQTT broker URL")

	gatewayStatusCmd.Flags().BoolVar(&gatewayVerboseStatus, "json", false, "Print the full status as JSON")

	gatewayCmd.AddCommand(gatewayInitCmd)
	gatewayCmd.AddCommand(gatewayStatusCmd)
}

// loadGatewayConfiguration loads the configuration file, or defaults when it
// does not exist, then applies CLI flag overrides.
func loadGatewayConfiguration() (*gateway.GatewayConfig, string, error) {
	configPath := gatewayConfigPath
	if configPath == "" {
		configPath = defaultGatewayConfigPath
	}

	var config *gateway.GatewayConfig
	if _, statErr := os.Stat(configPath); statErr == nil {
		loaded, err := gateway.LoadGatewayConfig(configPath)
		if err != nil {
			return nil, configPath, fmt.Errorf("failed to load config file: %w", err)
		}
		config = loaded
	} else if !os.IsNotExist(statErr) {
		return nil, configPath, fmt.Errorf("failed to check config file: %w", statErr)
	} else if gatewayConfigPath != "" {
		return nil, configPath, fmt.Errorf("config file not found: %s", configPath)
	} else {
		config = gateway.NewDefaultGatewayConfig()
		if err := config.Finalize(); err != nil {
			return nil, configPath, err
		}
		configPath += " (not found, using defaults)"
	}

	// Flags win over both the file and VENDLINK_* variables.
	applyGatewayOverrides(config)
	if err := config.Validate(); err != nil {
		return nil, configPath, fmt.Errorf("config validation failed: %w", err)
	}

	return config, configPath, nil
}

func applyGatewayOverrides(config *gateway.GatewayConfig) {
	if gatewayDBDriver != "" {
		config.Database.Driver = gatewayDBDriver
	}
	if gatewayDBPath != "" {
		config.Database.DSN = gatewayDBPath
	}
	if gatewayBrokerURL != "" {
		config.MQTT.Broker = gatewayBrokerURL
	}
	if gatewayAPIAddr != "" {
		config.Server.API.Address = gatewayAPIAddr
	}
	if gatewayDebugFlag {
		config.Logging.Level = logger.LOG_DEBUG
	}
}

// setupLogging configures the logger based on configuration
func setupLogging(config *gateway.GatewayConfig) {
	logger.SetSilentMode(false)
	logger.SetFormat(config.Logging.Format)
	logger.SetLevel(config.Logging.Level)
}

// checkGatewayStatus queries /health on the running daemon
func checkGatewayStatus(cmd *cobra.Command) error {
	config, configPath, err := loadGatewayConfiguration()
	if err != nil {
		cmd.Printf("%s Could not load configuration: %v\n", warnMark(), err)
		cmd.Printf("Using default settings\n\n")
		config = gateway.NewDefaultGatewayConfig()
		configPath = defaultGatewayConfigPath + " (default)"
	}

	client := newAPIClient(apiBaseURL(config.Server.API.Address), 5*time.Second)

	var health gateway.HealthResponse
	_, healthErr := client.do(cmd.Context(), "GET", "/health", nil, &health)

	if gatewayVerboseStatus {
		return displayVerboseStatus(cmd, config, configPath, &health, healthErr)
	}
	return displayCompactStatus(cmd, config, configPath, &health, healthErr)
}

// displayCompactStatus displays a user-friendly compact status
func displayCompactStatus(cmd *cobra.Command, config *gateway.GatewayConfig, configPath string, health *gateway.HealthResponse, healthErr error) error {
	if healthErr != nil {
		cmd.Printf("Gateway Status: %s\n", errorStyle.Render("OFFLINE"))
		cmd.Printf("Connection Error: %v\n", healthErr)
		return nil
	}

	status := successStyle.Render("RUNNING")
	if health.Status != "healthy" {
		status = warnStyle.Render("RUNNING (" + health.Status + ")")
	}
	cmd.Printf("Gateway Status: %s\n", status)
	cmd.Printf("API Address: %s\n", apiBaseURL(config.Server.API.Address))
	cmd.Printf("MQTT Broker: %s\n", config.MQTT.Broker)
	cmd.Printf("Configuration: %s\n", configPath)
	cmd.Printf("Pending Checks: %d\n", health.Stats.PendingChecks)
	cmd.Printf("Tracked Locations: %d\n", health.Stats.TrackedLocations)

	names := make([]string, 0, len(health.Components))
	for name := range health.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		state := health.Components[name]
		mark := okMark()
		if state != "healthy" && state != "connected" {
			mark = failMark()
		}
		cmd.Printf("%s: %s %s\n", titleCase(name), mark, titleCase(state))
	}

	return nil
}

// displayVerboseStatus displays detailed JSON status information
func displayVerboseStatus(cmd *cobra.Command, config *gateway.GatewayConfig, configPath string, health *gateway.HealthResponse, healthErr error) error {
	result := map[string]interface{}{
		"online": healthErr == nil,
		"config": map[string]interface{}{
			"file":        configPath,
			"api_address": config.Server.API.Address,
			"broker":      config.MQTT.Broker,
			"namespace":   config.MQTT.Namespace,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if healthErr != nil {
		result["health_error"] = healthErr.Error()
	} else {
		result["health"] = health
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}
