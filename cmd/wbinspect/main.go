// wbinspect dumps the interposer's view of the policy database. It opens
// the database read-only through the same store the interposer uses, so
// what it prints is exactly what enforcement sees. It never writes policy.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/SantiagoPassafiume/whitebeam/internal/action"
	"github.com/SantiagoPassafiume/whitebeam/internal/config"
	"github.com/SantiagoPassafiume/whitebeam/internal/policy"
	"github.com/SantiagoPassafiume/whitebeam/pkg/logger"
)

var outputFormat string

// snapshot is the serializable view of all six caches.
type snapshot struct {
	Hooks           []hookView      `yaml:"hooks" json:"hooks"`
	Arguments       []argumentView  `yaml:"arguments" json:"arguments"`
	Whitelist       []whitelistView `yaml:"whitelist" json:"whitelist"`
	ActionArguments []actionArgView `yaml:"action_arguments" json:"action_arguments"`
	Rules           []ruleView      `yaml:"rules" json:"rules"`
	Settings        []settingView   `yaml:"settings" json:"settings"`
}

type hookView struct {
	ID       int64  `yaml:"id" json:"id"`
	Language string `yaml:"language" json:"language"`
	Library  string `yaml:"library" json:"library"`
	Symbol   string `yaml:"symbol" json:"symbol"`
}

type argumentView struct {
	ID       int64  `yaml:"id" json:"id"`
	Hook     int64  `yaml:"hook" json:"hook"`
	Parent   *int64 `yaml:"parent,omitempty" json:"parent,omitempty"`
	Position int64  `yaml:"position" json:"position"`
	Datatype string `yaml:"datatype" json:"datatype"`
	Pointer  bool   `yaml:"pointer" json:"pointer"`
	Signed   bool   `yaml:"signed" json:"signed"`
	Variadic bool   `yaml:"variadic" json:"variadic"`
	Array    bool   `yaml:"array" json:"array"`
}

type whitelistView struct {
	Class  string `yaml:"class" json:"class"`
	Parent string `yaml:"parent" json:"parent"`
	Path   string `yaml:"path" json:"path"`
	Value  string `yaml:"value" json:"value"`
}

type actionArgView struct {
	ID    int64  `yaml:"id" json:"id"`
	Value string `yaml:"value" json:"value"`
	Next  *int64 `yaml:"next,omitempty" json:"next,omitempty"`
}

type ruleView struct {
	Arg       int64  `yaml:"arg" json:"arg"`
	Action    string `yaml:"action" json:"action"`
	ActionArg *int64 `yaml:"actionarg,omitempty" json:"actionarg,omitempty"`
}

type settingView struct {
	Param string `yaml:"param" json:"param"`
	Value string `yaml:"value" json:"value"`
}

func loadStore() (*policy.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	store := policy.NewStore(cfg.DatabasePath(), logger.NewLogger(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}))
	if err := store.Refresh(); err != nil {
		return nil, err
	}
	return store, nil
}

func emit(v any) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		return yaml.NewEncoder(os.Stdout).Encode(v)
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}
}

func newSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Dump all policy caches as the interposer sees them",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := loadStore()
			if err != nil {
				return err
			}
			hooks, arguments, whitelist, actionArgs, rules, settings := store.Snapshot()

			var snap snapshot
			for _, h := range hooks {
				snap.Hooks = append(snap.Hooks, hookView{ID: h.ID, Language: h.Language, Library: h.Library, Symbol: h.Symbol})
			}
			for _, a := range arguments {
				snap.Arguments = append(snap.Arguments, argumentView{
					ID: a.ID, Hook: a.Hook, Parent: a.Parent, Position: a.Position,
					Datatype: a.Datatype, Pointer: a.Pointer, Signed: a.Signed,
					Variadic: a.Variadic, Array: a.Array,
				})
			}
			for _, w := range whitelist {
				snap.Whitelist = append(snap.Whitelist, whitelistView{Class: w.Class, Parent: w.Parent, Path: w.Path, Value: w.Value})
			}
			for _, aa := range actionArgs {
				snap.ActionArguments = append(snap.ActionArguments, actionArgView{ID: aa.ID, Value: aa.Value, Next: aa.Next})
			}
			for _, r := range rules {
				snap.Rules = append(snap.Rules, ruleView{Arg: r.Arg, Action: r.Action, ActionArg: r.ActionArg})
			}
			for _, s := range settings {
				snap.Settings = append(snap.Settings, settingView{Param: s.Param, Value: s.Value})
			}
			return emit(snap)
		},
	}
}

func newSettingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settings",
		Short: "Dump the Setting table",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := loadStore()
			if err != nil {
				return err
			}
			_, _, _, _, _, settings := store.Snapshot()
			views := make([]settingView, 0, len(settings))
			for _, s := range settings {
				views = append(views, settingView{Param: s.Param, Value: s.Value})
			}
			return emit(views)
		},
	}
}

func newActionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "List the policy actions this build can evaluate",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := action.NewRegistry().Names()
			sort.Strings(names)
			return emit(names)
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:           "wbinspect",
		Short:         "Read-only inspector for the WhiteBeam policy database",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&outputFormat, "output", "o", "yaml", "output format (yaml|json)")
	root.AddCommand(newSnapshotCmd(), newSettingsCmd(), newActionsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
