package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"

	"github.com/forgemesh/forgemesh/src/config"
	"github.com/forgemesh/forgemesh/src/intake"
	"github.com/forgemesh/forgemesh/src/service"
	"github.com/spf13/cobra"
)

var (
	submitRepo    string
	submitRepoURL string
	submitKind    string
	submitID      string
	submitPayload string
	submitRetract bool
)

//NewSubmitCmd returns the command that submits a producer event to a node
func NewSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a producer event to a node",
		RunE:  submit,
	}

	cmd.Flags().StringVar(&serviceAddr, "service-addr", config.DefaultServiceAddr, "Address of the node's HTTP service")
	cmd.Flags().StringVar(&submitRepo, "repo", "", "Repository reference (owner/name)")
	cmd.Flags().StringVar(&submitRepoURL, "repo-url", "", "Repository URL")
	cmd.Flags().StringVar(&submitKind, "kind", "push", "Event kind (push, issue, release, ...)")
	cmd.Flags().StringVar(&submitID, "id", "", "Producer-local event id")
	cmd.Flags().StringVar(&submitPayload, "payload", "", "Event payload as a JSON object")
	cmd.Flags().BoolVar(&submitRetract, "retract", false, "Retract the event instead of creating it")

	cmd.MarkFlagRequired("repo")
	cmd.MarkFlagRequired("id")

	return cmd
}

func submit(cmd *cobra.Command, args []string) error {
	payload := map[string]interface{}{}
	if submitPayload != "" {
		if err := json.Unmarshal([]byte(submitPayload), &payload); err != nil {
			return fmt.Errorf("invalid payload: %v", err)
		}
	}

	raw := &intake.RawEvent{
		Repository: submitRepo,
		RepoURL:    submitRepoURL,
		Kind:       submitKind,
		LocalID:    submitID,
		Payload:    payload,
		Retract:    submitRetract,
	}

	body, err := json.Marshal([]*intake.RawEvent{raw})
	if err != nil {
		return err
	}

	resp, err := http.Post(fmt.Sprintf("http://%s/events", serviceAddr), "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := ioutil.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	receipts := []service.EventReceipt{}
	if err := json.NewDecoder(resp.Body).Decode(&receipts); err != nil {
		return err
	}

	for _, r := range receipts {
		fmt.Printf("%s %s\n", r.EventType, r.Rid)
	}

	return nil
}
