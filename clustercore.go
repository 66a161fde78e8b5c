/*
Package clustercore holds the types shared by the cluster scheduling core.

The core has two halves:
  - membership: a node registry fed by a coordinator watch, and one consistent-hash ring per
    (role, role group), see pkg/cluster/nodes.
  - scheduling: a relational queue of triggers with lease based claims, and a batching layer in
    front of its write path, see pkg/scheduler.

The coordinator (pkg/coordinator) is a pluggable KV+watch service used for both halves.
*/
package clustercore
