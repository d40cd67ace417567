package main

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anyan2/IdeaSystemXS/internal/api"
	"github.com/anyan2/IdeaSystemXS/internal/capture"
	"github.com/anyan2/IdeaSystemXS/internal/config"
	"github.com/anyan2/IdeaSystemXS/internal/enrich"
	"github.com/anyan2/IdeaSystemXS/internal/search"
)

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

func printIdeaLine(i api.IdeaDTO) {
	mark := " "
	if i.Favorite {
		mark = "*"
	}
	fmt.Fprintf(stdout, "%s %s  %s  %s\n",
		mark,
		colorize(colorGray, shortID(i.ID)),
		colorize(stateColor(i.EnrichmentState), fmt.Sprintf("%-10s", i.EnrichmentState)),
		truncate(i.Title, 60))
}

// --- add ---

var addCmd = &cobra.Command{
	Use:   "add <text...>",
	Short: "Capture a new idea",
	Long: `Capture a new idea. Enrichment runs in the background.

Examples:
  ideas add "grow basil on the balcony"
  ideas add --tags garden,food --importance 4 "try a herb spiral"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		tags, _ := cmd.Flags().GetString("tags")
		importance, _ := cmd.Flags().GetInt("importance")
		favorite, _ := cmd.Flags().GetBool("favorite")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return addIdea(cmd.Context(), client, api.CreateIdeaRequest{
			Content:    strings.Join(args, " "),
			Title:      title,
			Importance: importance,
			Favorite:   favorite,
			Tags:       splitTags(tags),
		})
	},
}

func addIdea(ctx context.Context, c *apiClient, req api.CreateIdeaRequest) error {
	resp, err := c.post(ctx, "/ideas", req)
	if err != nil {
		return err
	}
	var out api.IdeaWithTasks
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	printSuccess("Captured %s (%s queued)", out.Idea.ID, plural(len(out.Tasks), "task"))
	return nil
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List ideas, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := listQuery(cmd)
		return listIdeas(cmd.Context(), client, q)
	},
}

func listQuery(cmd *cobra.Command) string {
	tag, _ := cmd.Flags().GetString("tag")
	state, _ := cmd.Flags().GetString("state")
	limit, _ := cmd.Flags().GetInt("limit")
	kv := []string{"tag", tag, "state", state, "limit", strconv.Itoa(limit)}
	if cmd.Flags().Changed("archived") {
		v, _ := cmd.Flags().GetBool("archived")
		kv = append(kv, "archived", strconv.FormatBool(v))
	}
	if cmd.Flags().Changed("favorite") {
		v, _ := cmd.Flags().GetBool("favorite")
		kv = append(kv, "favorite", strconv.FormatBool(v))
	}
	return query(kv...)
}

func listIdeas(ctx context.Context, c *apiClient, q string) error {
	resp, err := c.get(ctx, "/ideas"+q)
	if err != nil {
		return err
	}
	var list []api.IdeaDTO
	if err := decodeJSON(resp, &list); err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(stdout, "No ideas found.")
		return nil
	}
	for _, i := range list {
		printIdeaLine(i)
	}
	return nil
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an idea with its keywords and relations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		return showIdea(cmd.Context(), client, args[0], asJSON)
	},
}

func showIdea(ctx context.Context, c *apiClient, id string, asJSON bool) error {
	resp, err := c.get(ctx, "/ideas/"+url.PathEscape(id))
	if err != nil {
		return err
	}
	var idea api.IdeaDTO
	if err := decodeJSON(resp, &idea); err != nil {
		return err
	}
	if asJSON {
		return printJSON(idea)
	}

	fmt.Fprintln(stdout, colorize(colorBold, idea.Title))
	printStatus("ID", "%s", idea.ID)
	printStatus("State", "%s", colorize(stateColor(idea.EnrichmentState), idea.EnrichmentState))
	printStatus("Importance", "%d", idea.Importance)
	if len(idea.Tags) > 0 {
		printStatus("Tags", "%s", strings.Join(idea.Tags, ", "))
	}
	if idea.Archived {
		printStatus("Archived", "yes")
	}
	printStatus("Created", "%s", idea.CreatedAt.Local().Format("2006-01-02 15:04"))
	if idea.Summary != "" {
		printStatus("Summary", "%s", idea.Summary)
	}
	if len(idea.Keywords) > 0 {
		words := make([]string, len(idea.Keywords))
		for i, k := range idea.Keywords {
			words[i] = k.Keyword
		}
		printStatus("Keywords", "%s", strings.Join(words, ", "))
	}
	fmt.Fprintf(stdout, "\n%s\n", idea.Content)
	return nil
}

// --- edit ---

var editCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit an idea; content changes re-run enrichment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := editRequest(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return editIdea(cmd.Context(), client, args[0], req)
	},
}

func editRequest(cmd *cobra.Command) (api.UpdateIdeaRequest, error) {
	var req api.UpdateIdeaRequest
	f := cmd.Flags()
	changed := false
	if f.Changed("content") {
		v, _ := f.GetString("content")
		req.Content = &v
		changed = true
	}
	if f.Changed("title") {
		v, _ := f.GetString("title")
		req.Title = &v
		changed = true
	}
	if f.Changed("archived") {
		v, _ := f.GetBool("archived")
		req.Archived = &v
		changed = true
	}
	if f.Changed("favorite") {
		v, _ := f.GetBool("favorite")
		req.Favorite = &v
		changed = true
	}
	if f.Changed("importance") {
		v, _ := f.GetInt("importance")
		req.Importance = &v
		changed = true
	}
	if f.Changed("tags") {
		v, _ := f.GetString("tags")
		tags := splitTags(v)
		if tags == nil {
			tags = []string{}
		}
		req.Tags = &tags
		changed = true
	}
	if !changed {
		return req, fmt.Errorf("nothing to change; pass at least one of --content, --title, --archived, --favorite, --importance, --tags")
	}
	return req, nil
}

func editIdea(ctx context.Context, c *apiClient, id string, req api.UpdateIdeaRequest) error {
	resp, err := c.patch(ctx, "/ideas/"+url.PathEscape(id), req)
	if err != nil {
		return err
	}
	var out api.IdeaWithTasks
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	if len(out.Tasks) > 0 {
		printSuccess("Updated %s, re-enrichment queued", out.Idea.ID)
	} else {
		printSuccess("Updated %s", out.Idea.ID)
	}
	return nil
}

// --- delete ---

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an idea and everything derived from it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/ideas/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted %s", args[0])
		return nil
	},
}

// --- related / similar / search ---

var relatedCmd = &cobra.Command{
	Use:   "related <id>",
	Short: "Show relations discovered for an idea",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showRelated(cmd.Context(), client, args[0])
	},
}

func showRelated(ctx context.Context, c *apiClient, id string) error {
	resp, err := c.get(ctx, "/ideas/"+url.PathEscape(id)+"/relations")
	if err != nil {
		return err
	}
	var rels []api.RelationDTO
	if err := decodeJSON(resp, &rels); err != nil {
		return err
	}
	if len(rels) == 0 {
		fmt.Fprintln(stdout, "No relations yet.")
		return nil
	}
	for _, r := range rels {
		fmt.Fprintf(stdout, "  %s  %-9s %.2f  %s\n",
			colorize(colorGray, shortID(r.IdeaID)), r.RelationType, r.Confidence, truncate(r.Title, 60))
	}
	return nil
}

var similarCmd = &cobra.Command{
	Use:   "similar <id>",
	Short: "Show the nearest ideas by embedding",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _ := cmd.Flags().GetInt("k")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/ideas/"+url.PathEscape(args[0])+"/similar"+query("k", strconv.Itoa(k)))
		if err != nil {
			return err
		}
		var hits []api.SimilarDTO
		if err := decodeJSON(resp, &hits); err != nil {
			return err
		}
		printHits(hits)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query...>",
	Short: "Search ideas by meaning, or by keyword while the provider is offline",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _ := cmd.Flags().GetInt("k")
		tag, _ := cmd.Flags().GetString("tag")
		req := api.SearchRequest{Query: strings.Join(args, " "), K: k, Tag: tag}
		if all, _ := cmd.Flags().GetBool("all"); !all {
			f := false
			req.Archived = &f
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return searchIdeas(cmd.Context(), client, req)
	},
}

func searchIdeas(ctx context.Context, c *apiClient, req api.SearchRequest) error {
	resp, err := c.post(ctx, "/search", req)
	if err != nil {
		return err
	}
	var out api.SearchResponse
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	if out.Mode == string(search.ModeKeyword) {
		printWarning("provider offline, showing keyword matches")
	}
	printHits(out.Hits)
	return nil
}

func printHits(hits []api.SimilarDTO) {
	if len(hits) == 0 {
		fmt.Fprintln(stdout, "No matches.")
		return
	}
	for _, h := range hits {
		fmt.Fprintf(stdout, "  %s  %.3f  %s\n",
			colorize(colorGray, shortID(h.Idea.ID)), h.Distance, truncate(h.Idea.Title, 60))
	}
}

// --- reenrich / reconcile ---

var reenrichCmd = &cobra.Command{
	Use:   "reenrich <id>",
	Short: "Queue enrichment again for an idea",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/ideas/"+url.PathEscape(args[0])+"/reenrich", nil)
		if err != nil {
			return err
		}
		var tasks []api.TaskDTO
		if err := decodeJSON(resp, &tasks); err != nil {
			return err
		}
		if len(tasks) == 0 {
			printWarning("Enrichment already queued for %s", args[0])
			return nil
		}
		printSuccess("Queued %s for %s", plural(len(tasks), "task"), args[0])
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run a consistency pass between the idea and vector stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/reconcile", nil)
		if err != nil {
			return err
		}
		var rep enrich.Report
		if err := decodeJSON(resp, &rep); err != nil {
			return err
		}
		if rep.Repairs() == 0 {
			printSuccess("Stores agree, nothing to repair")
			return nil
		}
		return printJSON(rep)
	},
}

// --- tasks ---

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and manage enrichment tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, optionally filtered",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		typ, _ := cmd.Flags().GetString("type")
		idea, _ := cmd.Flags().GetString("idea")
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listTasks(cmd.Context(), client, query("status", status, "type", typ, "idea_id", idea, "limit", strconv.Itoa(limit)))
	},
}

func listTasks(ctx context.Context, c *apiClient, q string) error {
	resp, err := c.get(ctx, "/tasks"+q)
	if err != nil {
		return err
	}
	var tasks []api.TaskDTO
	if err := decodeJSON(resp, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Fprintln(stdout, "No tasks.")
		return nil
	}
	for _, t := range tasks {
		line := fmt.Sprintf("  %s  %-14s %s  idea %s  attempts %d",
			colorize(colorGray, shortID(t.ID)), t.Type,
			colorize(stateColor(t.Status), fmt.Sprintf("%-10s", t.Status)),
			shortID(t.IdeaID), t.AttemptCount)
		if t.Error != "" {
			line += "  " + colorize(colorRed, truncate(t.Error, 50))
		}
		fmt.Fprintln(stdout, line)
	}
	return nil
}

var tasksRetryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Re-queue a failed task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskAction(cmd.Context(), args[0], "retry", "Re-queued %s as %s")
	},
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a pending task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskAction(cmd.Context(), args[0], "cancel", "Cancelled %s (%s)")
	},
}

func taskAction(ctx context.Context, id, action, format string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(ctx, "/tasks/"+url.PathEscape(id)+"/"+action, nil)
	if err != nil {
		return err
	}
	var t api.TaskDTO
	if err := decodeJSON(resp, &t); err != nil {
		return err
	}
	if action == "retry" {
		printSuccess(format, id, t.ID)
	} else {
		printSuccess(format, id, t.Status)
	}
	return nil
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import <file|url>",
	Short: "Capture every paragraph of a document as an idea",
	Long: `Capture every paragraph of a document as an idea.

Supported sources are http(s) URLs and local .txt, .md, .html and .pdf files.

Examples:
  ideas import ./notes.md --tags notes
  ideas import https://example.com/post`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tags, _ := cmd.Flags().GetString("tags")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Importing %s", args[0])
		res, err := capture.NewImporter(client, nil).Import(cmd.Context(), args[0], splitTags(tags))
		if len(res.IdeaIDs) > 0 {
			printSuccess("Captured %s from %q", plural(len(res.IdeaIDs), "idea"), res.Title)
		}
		if res.Skipped > 0 {
			printWarning("Skipped %s too short to stand alone", plural(res.Skipped, "paragraph"))
		}
		return err
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "%-32s %s  %s\n", k.Key, k.Value, colorize(colorGray, k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a configuration value",
	Long:  "Persist a configuration value. Secrets are written to the secrets file, never to config.yaml.\n\nKeys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Set %s", args[0])
		return nil
	},
}

func init() {
	addCmd.Flags().String("title", "", "title; derived from the content when empty")
	addCmd.Flags().String("tags", "", "comma-separated tags")
	addCmd.Flags().Int("importance", 0, "importance 1-5 (default 3)")
	addCmd.Flags().Bool("favorite", false, "mark as favorite")

	listCmd.Flags().String("tag", "", "only ideas with this tag")
	listCmd.Flags().String("state", "", "only ideas in this enrichment state")
	listCmd.Flags().Bool("archived", false, "filter on archived")
	listCmd.Flags().Bool("favorite", false, "filter on favorite")
	listCmd.Flags().Int("limit", 20, "maximum number of ideas")

	showCmd.Flags().Bool("json", false, "print raw JSON")

	editCmd.Flags().String("content", "", "new content")
	editCmd.Flags().String("title", "", "new title")
	editCmd.Flags().Bool("archived", false, "archive or unarchive")
	editCmd.Flags().Bool("favorite", false, "favorite or unfavorite")
	editCmd.Flags().Int("importance", 3, "importance 1-5")
	editCmd.Flags().String("tags", "", "replace tags (comma-separated, empty clears)")

	similarCmd.Flags().Int("k", 10, "number of neighbors")

	searchCmd.Flags().Int("k", 10, "number of results")
	searchCmd.Flags().String("tag", "", "only ideas with this tag")
	searchCmd.Flags().Bool("all", false, "include archived ideas")

	tasksListCmd.Flags().String("status", "", "pending, processing, completed or failed")
	tasksListCmd.Flags().String("type", "", "embed, summarize, relate or vector_cleanup")
	tasksListCmd.Flags().String("idea", "", "only tasks of this idea")
	tasksListCmd.Flags().Int("limit", 50, "maximum number of tasks")
	tasksCmd.AddCommand(tasksListCmd, tasksRetryCmd, tasksCancelCmd)

	importCmd.Flags().String("tags", "", "comma-separated tags for every imported idea")

	configCmd.AddCommand(configShowCmd, configSetCmd)
}
