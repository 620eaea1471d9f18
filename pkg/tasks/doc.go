// Package tasks defines the named targets of a service repository:
// requirements, quality checks, translations, devstack helpers and the
// docker image pipeline, plus dev.provision when a devstack.Provisioner is
// supplied.
//
// Targets are engine.Targets, so `pie run upgrade` resolves prerequisites
// and executes exactly like `make upgrade` would:
//
//	catalog, err := tasks.NewCatalog(cfg, tasks.Options{Out: os.Stdout})
//	plan, err := engine.NewDAGBuilder(catalog).BuildGraph([]string{"validate"})
//	run, err := scheduler.Execute(ctx, plan, engine.ExecuteOptions{LookupEnv: cfg.LookupEnv})
//
// Watcher re-runs targets when source files change.
package tasks
