/*
Package depgraph tracks finish-to-start prerequisites between tasks.

The graph answers three questions for the task engine:

  - is a task ready to run (every dependency completed)?
  - which dependents became ready when a task completed?
  - is the graph still acyclic after an add?

Adds that would introduce a cycle are rejected and leave the graph unchanged.
DetectCycles still runs over non-completed nodes because recovery paths may
mutate the graph outside Add. Newly-ready dependents are returned in a stable
order: priority descending, then creation time, then id.

CriticalPath computes the longest weighted path using task timeouts as node
weights, and ToDot exports the graph for Graphviz inspection.
*/
package depgraph
