/*
Dispatcher implements the grid worker host.

# Module
  - throttle: collapses store notifications into single re-evaluation passes
  - request table: merges responses, assignments and cancellations per request id
  - admission: launches pending requests while the capacity ledger has free slots
  - supervisor: runs one worker process per admitted request and maps its exit code
  - publisher: writes status transitions and the throttled availability heartbeat
  - housekeeper: forces a pass periodically so the availability record never goes stale

# Source
 1. assigned requests targeted at this host (and instance)
 2. cancellations targeted at this host, or broadcast
 3. worker responses for this host, including the ones the workers publish themselves

# Produce
  - worker responses: Enqueued, Launched, Cancelled, Faulted
  - worker availability heartbeat

# Exit codes of the worker executable
  - 1: success, the worker published its own completion
  - 0: failure, the worker published its own Faulted status
  - <0: catastrophic failure, the supervisor publishes Faulted on its behalf

A running worker process is never killed: a cancellation observed after
launch is recorded but does not affect the process.
*/
package dispatcher
