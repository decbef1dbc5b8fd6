package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/savesync/savesync/internal/controlplane"
	"github.com/savesync/savesync/internal/events"
	"github.com/savesync/savesync/internal/settings"
	"github.com/savesync/savesync/internal/wsproto"
	"github.com/spf13/cobra"
)

func newPluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List installed plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := configFrom(cmd).Client().Plugins(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resp.Plugins) == 0 {
				fmt.Fprintln(out, gray("no plugins installed"))
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE\tKIND\tNAME\tDESCRIPTION")
			for _, e := range resp.Plugins {
				file := lastPathElem(e.Path)
				if e.Error != "" {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", file, e.Kind, red("failed"), e.Error)
					continue
				}
				name, desc := "", ""
				if e.Metadata != nil {
					name, desc = e.Metadata.Name, e.Metadata.Description
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", file, e.Kind, name, desc)
			}
			return tw.Flush()
		},
	}
}

func newStatusCmd() *cobra.Command {
	var journal int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active plugin, watched folders and recent sync history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := configFrom(cmd).Client().Status(cmd.Context(), journal)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			switch {
			case status.Plugin == nil:
				fmt.Fprintf(out, "plugin:    %s\n", gray("none"))
			case status.Active:
				fmt.Fprintf(out, "plugin:    %s (%s) %s\n", cyan(status.Plugin.Name), status.Plugin.Filename, green("active"))
			default:
				fmt.Fprintf(out, "plugin:    %s (%s) %s\n", cyan(status.Plugin.Name), status.Plugin.Filename, red("needs authorization"))
			}
			if status.LastSync.IsZero() {
				fmt.Fprintf(out, "last sync: %s\n", gray("never"))
			} else {
				fmt.Fprintf(out, "last sync: %s\n", humanize.Time(status.LastSync))
			}

			fmt.Fprintf(out, "watching:  %d folder(s)\n", len(status.Watched))
			for _, k := range status.Watched {
				fmt.Fprintf(out, "  %s\n", k)
			}
			if len(status.Conflicts) > 0 {
				fmt.Fprintf(out, "conflicts: %s\n", red(len(status.Conflicts)))
				for _, c := range status.Conflicts {
					fmt.Fprintf(out, "  %s local %s, cloud %s\n", c.FolderKey, humanize.Time(c.Local), humanize.Time(c.Cloud))
				}
			}
			if len(status.Required) > 0 {
				fmt.Fprintf(out, "unmapped:  %s\n", strings.Join(status.Required, ", "))
			}

			if len(status.Journal) > 0 {
				fmt.Fprintln(out, "history:")
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				for _, e := range status.Journal {
					result := green("ok")
					if e.Error != "" {
						result = red(e.Error)
					}
					fmt.Fprintf(tw, "  %s\t%s/%s\t%s\t%s\t%s\n",
						humanize.Time(e.CreatedAt), e.Tag, e.Folder, e.Operation, humanize.Bytes(uint64(e.Size)), result)
				}
				return tw.Flush()
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&journal, "journal", "n", 10, "Number of history entries to show")
	return cmd
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <plugin>",
		Short: "Activate a plugin by file name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := configFrom(cmd).Client().Init(cmd.Context(), args[0])
			var cpErr *controlplane.ControlPlaneError
			if errors.As(err, &cpErr) && cpErr.AuthURL != "" {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s needs authorization. Open this page to continue:\n\n  %s\n\n", args[0], cyan(cpErr.AuthURL))
				fmt.Fprintln(out, gray("If the page does not redirect back, run: savesync authorize <callback-url>"))
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], green("active"))
			return nil
		},
	}
}

func newAuthorizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "authorize <callback-url>",
		Short: "Complete a plugin consent flow with the URL the provider redirected to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := configFrom(cmd).Client().Authorize(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), green("authorized"))
			return nil
		},
	}
}

func newAbortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort",
		Short: "Ask the active plugin to cancel its current transfer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := configFrom(cmd).Client().Abort(cmd.Context())
			if err != nil {
				return err
			}
			if msg != "" {
				fmt.Fprintln(cmd.OutOrStdout(), msg)
			}
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <tag> <folder>",
		Short: "Toggle whether a folder is watched and mirrored to the cloud",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := configFrom(cmd).Client().Sync(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			state := gray("not watching")
			if res.Watching {
				state = green("watching")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s %s\n", res.Tag, res.Folder, state)
			return nil
		},
	}
}

func newUnloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unload",
		Short: "Deactivate the active plugin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return configFrom(cmd).Client().Unload(cmd.Context())
		},
	}
}

func newConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List conflicts waiting for a decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := configFrom(cmd).Client().Conflicts(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resp.Conflicts) == 0 {
				fmt.Fprintln(out, gray("no conflicts"))
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TAG\tFOLDER\tLOCAL\tCLOUD\tSIZE")
			for _, c := range resp.Conflicts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.Tag, c.Folder,
					c.Local.Format("2006-01-02 15:04:05"), c.Cloud.Format("2006-01-02 15:04:05"), humanize.Bytes(uint64(c.Size)))
			}
			return tw.Flush()
		},
	}
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "resolve <tag> <folder> <local|cloud|none>",
		Short:     "Answer a conflict: keep local, take cloud, or open the cloud copy for comparison",
		Args:      cobra.ExactArgs(3),
		ValidArgs: []string{"local", "cloud", "none"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := configFrom(cmd).Client().Resolve(cmd.Context(), args[0], args[1], args[2]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s resolved (%s)\n", args[0], args[1], args[2])
			return nil
		},
	}
}

func newMappingCmd() *cobra.Command {
	mappingCmd := &cobra.Command{
		Use:   "mapping",
		Short: "Show the tag to directory mapping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := configFrom(cmd).Client().Mapping(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			tags := make([]string, 0, len(view.Mapping))
			for tag := range view.Mapping {
				tags = append(tags, tag)
			}
			sort.Strings(tags)

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TAG\tPATH\tRESOLVED")
			for _, tag := range tags {
				resolved, ok := view.Resolved[tag]
				if !ok {
					resolved = red("unresolved")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", tag, view.Mapping[tag], resolved)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if len(view.Required) > 0 {
				fmt.Fprintf(out, "\ncloud tags without a mapping: %s\n", strings.Join(view.Required, ", "))
			}
			return nil
		},
	}

	var env string
	setCmd := &cobra.Command{
		Use:   "set <tag> <path>",
		Short: "Map a tag to a directory, optionally relative to an environment variable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateMapping(cmd, func(m map[string]settings.TagPath) {
				m[args[0]] = settings.TagPath{Env: env, Rel: args[1]}
			})
		},
	}
	setCmd.Flags().StringVarP(&env, "env", "e", "", "Environment variable the path is relative to (APPDATA, HOME, ...)")

	rmCmd := &cobra.Command{
		Use:   "rm <tag>",
		Short: "Remove a tag mapping. Cloud copies are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateMapping(cmd, func(m map[string]settings.TagPath) {
				delete(m, args[0])
			})
		},
	}

	mappingCmd.AddCommand(setCmd, rmCmd)
	return mappingCmd
}

func updateMapping(cmd *cobra.Command, edit func(map[string]settings.TagPath)) error {
	client := configFrom(cmd).Client()
	view, err := client.Mapping(cmd.Context())
	if err != nil {
		return err
	}
	mapping := view.Mapping
	if mapping == nil {
		mapping = map[string]settings.TagPath{}
	}
	edit(mapping)
	if _, err := client.SetMapping(cmd.Context(), mapping); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), green("mapping saved"))
	return nil
}

func newFiletreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "filetree",
		Short: "List the folders of every mapped tag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := configFrom(cmd).Client().Filetree(cmd.Context())
			if err != nil {
				return err
			}
			printFiletree(cmd.OutOrStdout(), tree)
			return nil
		},
	}
}

func printFiletree(out io.Writer, tree *events.Filetree) {
	tags := make([]string, 0, len(tree.Tags))
	for tag := range tree.Tags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		fmt.Fprintln(out, cyan(tag))
		for _, f := range tree.Tags[tag] {
			mark := " "
			if f.Watching {
				mark = green("*")
			}
			fmt.Fprintf(out, "  %s %s\n", mark, f.Name)
		}
	}
}

func newEventsCmd() *cobra.Command {
	var (
		types    []string
		encoding string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream daemon events as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]events.Type, len(types))
			for i, t := range types {
				filter[i] = events.Type(t)
			}
			frameEnc, err := wsproto.ParseEncoding(encoding)
			if err != nil {
				return err
			}
			client := configFrom(cmd).Client().SetEventEncoding(frameEnc)
			stream, err := client.Events(cmd.Context(), filter...)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for ev := range stream {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "Only stream these event types")
	cmd.Flags().StringVar(&encoding, "wire", "json", "Frame encoding on the socket (json or msgpack)")
	return cmd
}

func lastPathElem(p string) string {
	p = strings.TrimRight(p, `/\`)
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}
