package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"vendlink/internal/gateway"
	"vendlink/internal/liaison"
)

var (
	deviceAPIAddr  string
	deviceJSONFlag bool
	deviceTimeout  time.Duration

	registerName string
	registerOrg  string
	registerRows int
	registerCols int
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Query and manage vending machines through a running gateway",
}

var deviceHealthCmd = &cobra.Command{
	Use:   "health <vm-id>",
	Short: "Ask a vending machine whether it is online",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result liaison.HealthResult
		if _, err := deviceClient().do(cmd.Context(), "GET", "/mqtt/health/"+args[0], nil, &result); err != nil {
			return err
		}
		if deviceJSONFlag {
			return printJSON(cmd, result)
		}

		cmd.Println(titleStyle.Render("Health " + result.HardwareID))
		state := successStyle.Render(result.Status)
		if !result.IsOnline {
			state = errorStyle.Render(result.Status)
		}
		printField(cmd, "Status", state)
		if result.LastChecked != nil {
			printField(cmd, "Last checked", result.LastChecked.Local().Format(time.RFC3339))
		}
		if result.Error != "" {
			printField(cmd, "Error", warnStyle.Render(result.Error))
		}
		return nil
	},
}

var deviceLocationCmd = &cobra.Command{
	Use:   "location <vm-id>",
	Short: "Show the last reported location of a vending machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var loc gateway.LocationResponse
		if _, err := deviceClient().do(cmd.Context(), "GET", "/mqtt/location/"+args[0], nil, &loc); err != nil {
			return err
		}
		if deviceJSONFlag {
			return printJSON(cmd, loc)
		}

		cmd.Println(titleStyle.Render("Location " + loc.HardwareID))
		printField(cmd, "Latitude", strconv.FormatFloat(loc.Location.Lat, 'f', -1, 64))
		printField(cmd, "Longitude", strconv.FormatFloat(loc.Location.Lng, 'f', -1, 64))
		printField(cmd, "Updated", loc.LastUpdated.Local().Format(time.RFC3339))
		return nil
	},
}

var deviceRestockCmd = &cobra.Command{
	Use:   "restock <vm-id>",
	Short: "Notify a vending machine that restocking finished",
	Long: `Publishes a restocked notification to the device, but only if the
machine is currently in restocking mode. Other modes are accepted silently.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]interface{}
		if _, err := deviceClient().do(cmd.Context(), "POST", "/mqtt/restock/"+args[0], nil, &result); err != nil {
			return err
		}
		if deviceJSONFlag {
			return printJSON(cmd, result)
		}
		cmd.Printf("%s Restock request accepted for %s\n", okMark(), args[0])
		return nil
	},
}

var deviceRegisterCmd = &cobra.Command{
	Use:   "register <vm-id>",
	Short: "Register a new vending machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]interface{}{
			"vm_id":           args[0],
			"vm_name":         registerName,
			"org_id":          registerOrg,
			"vm_row_count":    registerRows,
			"vm_column_count": registerCols,
		}

		var vm gateway.VendingMachine
		if _, err := deviceClient().do(cmd.Context(), "POST", "/vending-machines", body, &vm); err != nil {
			return err
		}
		if deviceJSONFlag {
			return printJSON(cmd, vm)
		}
		cmd.Printf("%s Registered %s (%s), mode %s\n", okMark(), vm.ID, vm.Name, vm.Mode)
		return nil
	},
}

var deviceModeCmd = &cobra.Command{
	Use:   "mode <vm-id> <idle|restocking|transacting>",
	Short: "Set the operating mode of a vending machine",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := liaison.ParseDeviceMode(args[1])
		if err != nil {
			return err
		}

		var result map[string]string
		body := map[string]string{"mode": string(mode)}
		if _, err := deviceClient().do(cmd.Context(), "PUT", "/vending-machines/"+args[0]+"/mode", body, &result); err != nil {
			return err
		}
		if deviceJSONFlag {
			return printJSON(cmd, result)
		}
		cmd.Printf("%s %s is now %s\n", okMark(), args[0], mode)
		if mode == liaison.ModeRestocking {
			cmd.Println(helpStyle.Render(fmt.Sprintf("Run 'vendlink device restock %s' when restocking is done.", args[0])))
		}
		return nil
	},
}

func init() {
	deviceCmd.PersistentFlags().StringVar(&deviceAPIAddr, "api", "http://localhost:8080", "Gateway API address")
	deviceCmd.PersistentFlags().BoolVar(&deviceJSONFlag, "json", false, "Print raw JSON responses")
	deviceCmd.PersistentFlags().DurationVar(&deviceTimeout, "timeout", 10*time.Second, "HTTP request timeout")

	deviceRegisterCmd.Flags().StringVar(&registerName, "name", "", "Display name of the machine")
	deviceRegisterCmd.Flags().StringVar(&registerOrg, "org", "", "Owning organization id")
	deviceRegisterCmd.Flags().IntVar(&registerRows, "rows", 0, "Number of slot rows")
	deviceRegisterCmd.Flags().IntVar(&registerCols, "cols", 0, "Number of slot columns")
	deviceRegisterCmd.MarkFlagRequired("name")

	deviceCmd.AddCommand(deviceHealthCmd)
	deviceCmd.AddCommand(deviceLocationCmd)
	deviceCmd.AddCommand(deviceRestockCmd)
	deviceCmd.AddCommand(deviceRegisterCmd)
	deviceCmd.AddCommand(deviceModeCmd)
}

func deviceClient() *apiClient {
	return newAPIClient(apiBaseURL(deviceAPIAddr), deviceTimeout)
}

func printField(cmd *cobra.Command, label, value string) {
	cmd.Printf("%s %s\n", labelStyle.Render(label+":"), value)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
