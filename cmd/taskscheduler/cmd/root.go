// Package cmd wires the taskscheduler demonstration binary: configuration
// loading, the in-memory storage backend, the state manager, and a
// walkthrough of the scenarios described in the operations reference —
// insertion, assignment, status callbacks, and a preemption decision —
// logged through logrus the way a teacher's demo/seed commands narrate
// their own steps.
package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/armadaproject/taskscheduler/internal/config"
	"github.com/armadaproject/taskscheduler/internal/metrics"
	"github.com/armadaproject/taskscheduler/internal/preemption"
	"github.com/armadaproject/taskscheduler/internal/preemption/noopfilter"
	"github.com/armadaproject/taskscheduler/internal/preemption/staticattrs"
	"github.com/armadaproject/taskscheduler/internal/resources"
	"github.com/armadaproject/taskscheduler/internal/schedctx"
	"github.com/armadaproject/taskscheduler/internal/statemgr"
	"github.com/armadaproject/taskscheduler/internal/storage/memstore"
	"github.com/armadaproject/taskscheduler/internal/tasks"
)

// RootCmd builds the taskscheduler command tree.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskscheduler",
		Short: "A standalone demonstration of the preemption engine and state manager.",
		RunE:  runDemo,
	}
	root.Flags().String("config", "", "Path to a YAML configuration file; defaults are used if omitted.")
	root.Flags().String("metricsAddr", ":9090", "Address to serve /metrics on.")
	return root
}

func runDemo(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	metricsAddr, err := cmd.Flags().GetString("metricsAddr")
	if err != nil {
		return err
	}

	var paths []string
	if configPath != "" {
		paths = []string{configPath}
	}
	log := logrus.NewEntry(logrus.New())
	cfg := config.MustLoad(log, paths...)

	reg := prometheus.NewRegistry()
	mtr := metrics.New()
	reg.MustRegister(mtr)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		log.WithField("addr", metricsAddr).Info("serving metrics")
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.WithError(err).Warn("metrics server exited")
		}
	}()

	backend := memstore.NewBackend()
	mgr := statemgr.New(backend, cfg, log, mtr)
	ctx := schedctx.New(cmd.Context(), log)

	if err := mgr.Prepare(); err != nil {
		return err
	}
	if _, _, err := mgr.Initialize(); err != nil {
		return err
	}
	killed := make(map[string]bool)
	killTask := func(taskID string) {
		killed[taskID] = true
		log.WithField("taskId", taskID).Info("kill callback invoked")
	}
	if err := mgr.Start(killTask); err != nil {
		return err
	}
	defer mgr.Stop() //nolint:errcheck

	demoResources := resources.NewBag(map[string]int64{
		resources.CPU:    1000,
		resources.Memory: 512 * 1024 * 1024,
	})
	configs := []tasks.TaskConfig{
		{Role: "www-data", Job: "hello-world", Shard: 0, Owner: "www-data", Resources: demoResources, Priority: 5, Tier: "preemptible", Command: "serve --port=%port:http%", RequestedPorts: []string{"http"}},
		{Role: "www-data", Job: "hello-world", Shard: 1, Owner: "www-data", Resources: demoResources, Priority: 5, Tier: "preemptible", Command: "serve --port=%port:http%", RequestedPorts: []string{"http"}},
	}
	ids, err := mgr.InsertTasks(ctx, configs)
	if err != nil {
		return err
	}
	log.WithField("taskIds", ids).Info("inserted tasks")

	assigned, err := mgr.AssignTask(ctx, ids[0], "node-1.cluster.local", "slave-1", map[string]int32{"http": 31000})
	if err != nil {
		return err
	}
	if assigned != nil {
		log.WithField("taskId", assigned.ID).WithField("host", assigned.Assignment.SlaveHost).WithField("command", assigned.Config.Command).Info("assigned task")
	}

	if _, err := mgr.ChangeState(ctx, tasks.ByID(ids[0]), tasks.STARTING, "executor reported STARTING"); err != nil {
		return err
	}
	if _, err := mgr.ChangeState(ctx, tasks.ByID(ids[0]), tasks.RUNNING, "executor reported RUNNING"); err != nil {
		return err
	}

	demoPreemptionDecision(log, ids[0], demoResources)

	time.Sleep(100 * time.Millisecond)
	fmt.Println("demo complete")
	return nil
}

// demoPreemptionDecision exercises the preemption filter in isolation: a
// higher-priority pending task competes for the host the running task above
// already occupies.
func demoPreemptionDecision(log *logrus.Entry, runningTaskID string, victimResources resources.Bag) {
	attrs := staticattrs.New(nil)
	attrs.Set("node-1.cluster.local", preemption.HostAttributes{"rack": {"rack-1"}})

	pending := tasks.TaskConfig{Role: "www-data", Job: "urgent-batch", Shard: 0, Priority: 10, Tier: "non-preemptible"}
	victims := []preemption.Victim{
		{TaskID: runningTaskID, Role: "www-data", Resources: victimResources, SlaveHost: "node-1.cluster.local"},
	}

	tierMgr := demoTierManager{}
	filter := noopfilter.Threshold{}

	result, ok, err := preemption.FindVictims(
		pending,
		pending.Resources,
		nil,
		victims,
		&preemption.HostOffer{Hostname: "node-1.cluster.local", Resources: resources.Empty()},
		tierMgr,
		attrs,
		filter,
		resources.Empty(),
		nil,
	)
	if err != nil {
		log.WithError(err).Warn("preemption decision failed")
		return
	}
	if !ok {
		log.Info("preemption decision: no admissible victim set found")
		return
	}
	for _, v := range result {
		log.WithField("taskId", v.TaskID).Info("selected as preemption victim")
	}
}

type demoTierManager struct{}

func (demoTierManager) GetTier(cfg tasks.TaskConfig) preemption.Tier {
	if cfg.Tier == "preemptible" {
		return preemption.Tier{Name: cfg.Tier, Preemptible: true}
	}
	return preemption.Tier{Name: cfg.Tier, Preemptible: false}
}
