package commands

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/forgemesh/forgemesh/src/config"
	"github.com/forgemesh/forgemesh/src/object"
	"github.com/forgemesh/forgemesh/src/service"
	"github.com/forgemesh/forgemesh/src/store"
	"github.com/spf13/cobra"
)

var (
	serviceAddr  string
	eventsLimit  int
	eventsOffset int
)

//NewExploreCmd returns the command that browses a node's HTTP service
func NewExploreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explore",
		Short: "Browse a node's index over its HTTP service",
	}

	cmd.PersistentFlags().StringVar(&serviceAddr, "service-addr", config.DefaultServiceAddr, "Address of the node's HTTP service")

	cmd.AddCommand(
		newStatusCmd(),
		newReposCmd(),
		newEventsCmd(),
		newEventCmd(),
		newPeersCmd(),
	)

	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats := map[string]string{}
			if err := getJSON("/status", &stats); err != nil {
				return err
			}

			keys := []string{}
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%s\n", k, stats[k])
			}
			return w.Flush()
		},
	}
}

func newReposCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repos",
		Short: "List indexed repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			repos := []*object.Repository{}
			if err := getJSON("/repositories", &repos); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "REPOSITORY\tURL\tFIRST INDEXED\tLAST UPDATED")
			for _, r := range repos {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					r.Rid,
					r.URL,
					r.FirstIndexed.Format(time.RFC3339),
					r.LastUpdated.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events [owner/name]",
		Short: "List a repository's events, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/repositories/%s/events?limit=%d&offset=%d",
				args[0], eventsLimit, eventsOffset)

			records := []*store.EventRecord{}
			if err := getJSON(path, &records); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RID\tTYPE\tKIND\tTIMESTAMP\tSUMMARY")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.Rid,
					r.Type,
					r.Kind,
					r.Timestamp.Format(time.RFC3339),
					r.Summary)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&eventsLimit, "limit", 50, "Max number of events to list")
	cmd.Flags().IntVar(&eventsOffset, "offset", 0, "Number of events to skip")

	return cmd
}

func newEventCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "event [rid]",
		Short: "Show one event's record and contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var details interface{}
			if err := getJSON("/events/"+args[0], &details); err != nil {
				return err
			}

			out, err := json.MarshalIndent(details, "", "  ")
			if err != nil {
				return err
			}

			fmt.Println(string(out))
			return nil
		},
	}
}

func newPeersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List registered peer edges",
		RunE: func(cmd *cobra.Command, args []string) error {
			details := []*service.PeerDetails{}
			if err := getJSON("/peers", &details); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PEER\tMONIKER\tADDR\tTYPE\tMODE\tQUEUED")
			for _, d := range details {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
					d.PeerRID,
					d.Moniker,
					d.NetAddr,
					d.NodeType,
					d.Mode,
					d.QueueDepth)
			}
			return w.Flush()
		},
	}
}

func getJSON(path string, out interface{}) error {
	resp, err := http.Get(fmt.Sprintf("http://%s%s", serviceAddr, path))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := ioutil.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
