/*
Package storage persists node state in a local BoltDB file.

The node keeps very little on disk, but what it keeps must survive a restart:

  - node: the UID the server assigned, the last server version and config
    revision seen, and the last node descriptor
  - configs: configuration revisions fetched from the server, keyed by
    big-endian revision number
  - jobs: the terminal report of each job, keyed by finish time, pruned to a
    fixed number of records

All values are JSON. The database lives at <data_dir>/flownode.db and holds
an exclusive file lock while the agent runs; the jobs command opens it read
only with a lock timeout, or asks the running agent over HTTP.
*/
package storage
