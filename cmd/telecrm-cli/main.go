package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"telecrm/internal/secret"
)

var (
	apiHost  string
	apiToken string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "telecrm-cli",
		Short: "CLI para administrar el marcador TeleCRM",
		Long:  `Una herramienta de línea de comandos para controlar el motor de marcación TeleCRM de forma remota.`,
	}

	rootCmd.PersistentFlags().StringVar(&apiHost, "host", "http://localhost:8080", "URL base de la API (ej: http://10.0.0.5:8080)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "Token JWT (por defecto se toma de TELECRM_TOKEN)")

	// === LOGIN ===
	var loginCmd = &cobra.Command{
		Use:   "login",
		Short: "Obtener un token JWT",
		Run:   runLogin,
	}
	loginCmd.Flags().String("user", "", "Usuario")
	loginCmd.Flags().String("pass", "", "Contraseña")

	// === CAMPAÑAS ===
	var campaignCmd = &cobra.Command{
		Use:   "campaign",
		Short: "Controlar el marcador por campaña",
	}

	var campaignStartCmd = &cobra.Command{
		Use:   "start [id]",
		Short: "Arrancar el marcador de una campaña",
		Args:  cobra.ExactArgs(1),
		Run:   runCampaignStart,
	}

	var campaignStopCmd = &cobra.Command{
		Use:   "stop [id]",
		Short: "Detener el marcador de una campaña",
		Args:  cobra.ExactArgs(1),
		Run:   runCampaignStop,
	}

	var campaignStatusCmd = &cobra.Command{
		Use:   "status [id]",
		Short: "Ver el estado en vivo de una campaña (sin id: todas las corriendo)",
		Args:  cobra.MaximumNArgs(1),
		Run:   runCampaignStatus,
	}

	var campaignStatsCmd = &cobra.Command{
		Use:   "stats [id]",
		Short: "Ver el agregado del día de una campaña",
		Args:  cobra.ExactArgs(1),
		Run:   runCampaignStats,
	}

	campaignCmd.AddCommand(campaignStartCmd, campaignStopCmd, campaignStatusCmd, campaignStatsCmd)

	// === AGENTES ===
	var agentCmd = &cobra.Command{
		Use:   "agent",
		Short: "Consultar y cambiar estado de agentes",
	}

	var agentListCmd = &cobra.Command{
		Use:   "list",
		Short: "Listar agentes conocidos por el motor",
		Run:   runAgentList,
	}

	var agentStatusCmd = &cobra.Command{
		Use:   "status [id] [estado]",
		Short: "Ver o cambiar el estado de un agente (available|busy|offline)",
		Args:  cobra.RangeArgs(1, 2),
		Run:   runAgentStatus,
	}

	agentCmd.AddCommand(agentListCmd, agentStatusCmd)

	// === LLAMADAS ===
	var callCmd = &cobra.Command{
		Use:   "call",
		Short: "Originar una llamada manual",
		Run:   runCall,
	}
	callCmd.Flags().Int("campaign", 0, "ID de la campaña")
	callCmd.Flags().Int64("lead", 0, "ID del lead")
	callCmd.Flags().Int("agent", 0, "ID del agente")

	var hangupCmd = &cobra.Command{
		Use:   "hangup [call-id]",
		Short: "Cortar una llamada en curso",
		Args:  cobra.ExactArgs(1),
		Run:   runHangup,
	}

	// === SIP ===
	var sipCmd = &cobra.Command{
		Use:   "sip",
		Short: "Utilidades de configuración SIP",
	}

	var sipEncryptCmd = &cobra.Command{
		Use:   "encrypt",
		Short: "Cifrar un secreto AMI con TELECRM_SECRET_KEY",
		Run:   runSipEncrypt,
	}
	sipEncryptCmd.Flags().String("secret", "", "Secreto en claro (requerido)")

	sipCmd.AddCommand(sipEncryptCmd)

	// === ROOT ===
	rootCmd.AddCommand(loginCmd, campaignCmd, agentCmd, callCmd, hangupCmd, sipCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// --- HANDLERS ---

func runLogin(cmd *cobra.Command, args []string) {
	user := getString(cmd, "user")
	pass := getString(cmd, "pass")
	if user == "" || pass == "" {
		fmt.Println("Error: --user y --pass son requeridos")
		return
	}

	body, status, err := doPost("/api/v1/login", map[string]any{
		"username": user,
		"password": pass,
	})
	if err != nil {
		fmt.Printf("Error conectando a API: %v\n", err)
		return
	}
	if status != http.StatusOK {
		fmt.Printf("Error API (%d): %s\n", status, string(body))
		return
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Token == "" {
		fmt.Printf("Respuesta inesperada: %s\n", string(body))
		return
	}

	fmt.Println("Login correcto. Exporta el token para los demás comandos:")
	fmt.Printf("  export TELECRM_TOKEN=%s\n", resp.Token)
}

func runCampaignStart(cmd *cobra.Command, args []string) {
	id, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Println("Error: el id debe ser numérico")
		return
	}

	body, status, err := doPost("/api/v1/dialer/start", map[string]any{"campaign_id": id})
	printResult(body, status, err, fmt.Sprintf("Campaña %d iniciada.", id))
}

func runCampaignStop(cmd *cobra.Command, args []string) {
	id, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Println("Error: el id debe ser numérico")
		return
	}

	body, status, err := doPost("/api/v1/dialer/stop", map[string]any{"campaign_id": id})
	printResult(body, status, err, fmt.Sprintf("Campaña %d detenida.", id))
}

func runCampaignStatus(cmd *cobra.Command, args []string) {
	if len(args) == 0 {
		body, status, err := doGet("/api/v1/dialer/stats")
		if err != nil || status != http.StatusOK {
			printResult(body, status, err, "")
			return
		}

		var all []map[string]any
		if err := json.Unmarshal(body, &all); err != nil {
			fmt.Printf("Respuesta inesperada: %s\n", string(body))
			return
		}
		if len(all) == 0 {
			fmt.Println("No hay campañas corriendo")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tMODO\tLLAMADAS\tCONTESTADAS\tACTIVAS\tAGENTES LIBRES")
		fmt.Fprintln(w, "--\t----\t--------\t-----------\t-------\t--------------")
		for _, s := range all {
			fmt.Fprintf(w, "%.0f\t%s\t%.0f\t%.0f\t%.0f\t%.0f\n",
				s["campaign_id"], s["mode"], s["total_calls"], s["answered"],
				s["active_calls"], s["agents_available"])
		}
		w.Flush()
		return
	}

	id, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Println("Error: el id debe ser numérico")
		return
	}

	body, status, err := doGet(fmt.Sprintf("/api/v1/dialer/status?campaign_id=%d", id))
	if err != nil || status != http.StatusOK {
		printResult(body, status, err, "")
		return
	}
	printKeyValues(body)
}

func runCampaignStats(cmd *cobra.Command, args []string) {
	id, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Println("Error: el id debe ser numérico")
		return
	}

	body, status, err := doGet(fmt.Sprintf("/api/v1/campaigns/stats?campaign_id=%d", id))
	if err != nil || status != http.StatusOK {
		printResult(body, status, err, "")
		return
	}
	printKeyValues(body)
}

func runAgentList(cmd *cobra.Command, args []string) {
	body, status, err := doGet("/api/v1/agents")
	if err != nil || status != http.StatusOK {
		printResult(body, status, err, "")
		return
	}

	var agents []map[string]any
	if err := json.Unmarshal(body, &agents); err != nil {
		fmt.Printf("Respuesta inesperada: %s\n", string(body))
		return
	}
	if len(agents) == 0 {
		fmt.Println("El motor aún no conoce agentes")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tESTADO\tLLAMADAS HOY\tSEGUNDOS HABLADOS")
	fmt.Fprintln(w, "--\t------\t------------\t-----------------")
	for _, a := range agents {
		fmt.Fprintf(w, "%.0f\t%s\t%.0f\t%.0f\n",
			a["id"], a["status"], a["calls_today"], a["talk_time_today"])
	}
	w.Flush()
}

func runAgentStatus(cmd *cobra.Command, args []string) {
	id, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Println("Error: el id debe ser numérico")
		return
	}

	if len(args) == 1 {
		body, status, err := doGet(fmt.Sprintf("/api/v1/agents/status?agent_id=%d", id))
		if err != nil || status != http.StatusOK {
			printResult(body, status, err, "")
			return
		}
		printKeyValues(body)
		return
	}

	body, status, err := doPost("/api/v1/agents/status", map[string]any{
		"agent_id": id,
		"status":   args[1],
	})
	printResult(body, status, err, fmt.Sprintf("Agente %d ahora %s.", id, args[1]))
}

func runCall(cmd *cobra.Command, args []string) {
	campaign := getInt(cmd, "campaign")
	lead, _ := cmd.Flags().GetInt64("lead")
	agent := getInt(cmd, "agent")

	if campaign == 0 || lead == 0 || agent == 0 {
		fmt.Println("Error: --campaign, --lead y --agent son requeridos")
		return
	}

	body, status, err := doPost("/api/v1/call", map[string]any{
		"campaign_id": campaign,
		"lead_id":     lead,
		"agent_id":    agent,
	})
	if err != nil {
		fmt.Printf("Error conectando a API: %v\n", err)
		return
	}
	if status != http.StatusAccepted {
		fmt.Printf("Error API (%d): %s\n", status, string(body))
		return
	}

	var call map[string]any
	if err := json.Unmarshal(body, &call); err == nil {
		fmt.Printf("Llamada #%v originada (canal en curso, el resultado llega por eventos)\n", call["id"])
	} else {
		fmt.Println("Llamada originada")
	}
}

func runHangup(cmd *cobra.Command, args []string) {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Println("Error: el id debe ser numérico")
		return
	}

	body, status, err := doPost("/api/v1/calls/hangup", map[string]any{"call_id": id})
	printResult(body, status, err, fmt.Sprintf("Hangup de llamada %d solicitado.", id))
}

func runSipEncrypt(cmd *cobra.Command, args []string) {
	plain := getString(cmd, "secret")
	if plain == "" {
		fmt.Println("Error: --secret es requerido")
		return
	}

	box, err := secret.NewBoxFromEnv()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	sealed, err := box.Seal(plain)
	if err != nil {
		fmt.Printf("Error cifrando: %v\n", err)
		return
	}

	fmt.Println("Secreto cifrado (guárdalo en sip_configurations.secret_encrypted):")
	fmt.Println(sealed)
}

// --- HELPERS ---

func getString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func getInt(cmd *cobra.Command, name string) int {
	v, _ := cmd.Flags().GetInt(name)
	return v
}

func token() string {
	if apiToken != "" {
		return apiToken
	}
	return os.Getenv("TELECRM_TOKEN")
}

func doRequest(method, path string, data any) ([]byte, int, error) {
	var payload io.Reader
	if data != nil {
		raw, _ := json.Marshal(data)
		payload = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, apiHost+path, payload)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if t := token(); t != "" {
		req.Header.Set("Authorization", "Bearer "+t)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return body, resp.StatusCode, nil
}

func doGet(path string) ([]byte, int, error) {
	return doRequest(http.MethodGet, path, nil)
}

func doPost(path string, data any) ([]byte, int, error) {
	return doRequest(http.MethodPost, path, data)
}

func printResult(body []byte, status int, err error, okMessage string) {
	if err != nil {
		fmt.Printf("Error conectando a API: %v\n", err)
		return
	}
	if status >= 200 && status < 300 {
		if okMessage != "" {
			fmt.Println(okMessage)
		} else {
			fmt.Println(string(body))
		}
		return
	}
	if status == http.StatusUnauthorized {
		fmt.Println("No autorizado: haz login y exporta TELECRM_TOKEN")
		return
	}
	fmt.Printf("Error API (%d): %s\n", status, string(body))
}

// printKeyValues imprime un objeto JSON plano como tabla clave/valor
func printKeyValues(body []byte) {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		fmt.Println(string(body))
		return
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		switch v := obj[k].(type) {
		case float64:
			fmt.Fprintf(w, "%s\t%g\n", k, v)
		default:
			fmt.Fprintf(w, "%s\t%v\n", k, v)
		}
	}
	w.Flush()
}
