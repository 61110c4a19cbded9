/*
Package sync applies the resources of a unit to the platform and provides the following main features:
  - basic syncing
  - resource pruning
  - sync waves
  - sync options

# Basic Syncing

Executes an apply for each out-of-sync resource. Resources already matching their last applied state are reported as
unchanged and never sent to the platform. Within a wave the apply operations run concurrently; namespaces and custom
resource definitions are applied before the objects that need them.

Transient platform errors are retried in place with exponential backoff until the attempts are exhausted or the wave
times out. Rejected and conflicting applies are not retried.

# Resource Pruning

An ability to delete resources that are owned by the unit but no longer declared. Pruning runs once every wave was
applied, in reverse sync order. By default obsolete resources are not deleted and only reported in the sync result.

# Sync Waves

The waves allow to group sync execution of syncing process into batches when each batch is executed sequentially one after
another. Resources are assigned to wave zero by default. The wave can be negative, so you can create a wave
that runs before all other resources. The `sync-engine.namix.io/sync-wave` annotation assign resource to a wave:

	metadata:
	  annotations:
	    sync-engine.namix.io/sync-wave: "5"

The `argocd.argoproj.io/sync-wave` annotation and helm hook weights are honoured when the former is absent.

# Sync Options

The sync options allows customizing the synchronization of selected resources. The options are specified using the
annotation 'sync-engine.namix.io/sync-options'. Following sync options are supported:

- Prune=false - disables resource pruning

How Does It Work Together?

Syncing process orders the resources in the following precedence:

- Namespaces and CRDs before the objects they enable
- The wave they are in (lower values first)
- By kind (e.g. namespaces first)
- By name

It then applies the waves one after another and stops at the first wave with a failed resource. Later waves are
reported as deferred. Cancelling the context lets issued calls finish but starts no further wave.

# Example

	results, err := sync.NewSyncContext("web", p, resources,
		sync.WithPrune(true),
		sync.WithWaveTimeout(time.Minute),
	).Sync(ctx)
*/
package sync
