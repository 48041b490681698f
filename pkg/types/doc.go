/*
Package types defines the data model shared by the flownode agent.

The types fall into three groups:

  - Identity and state exchanged with the server during registration and
    heartbeats (NodeIdentity, NodeDescriptor, RegisterRequest, RegisterResult,
    NodeStatus, StatusVerdict, ConfigurationRevision).
  - Units of work (JobDescriptor, JobFlags) and their terminal record
    (JobReport, JobStatus).
  - Small closed vocabularies (ConnectionStatus, ProcessFileVerdict).

All wire types carry JSON tags in the server's camelCase convention since they
travel as control-channel invocation arguments.

JobStatus values double as worker exit codes for the failure statuses the
worker is allowed to report. The mapping from exit codes to statuses lives in
package runner; this package only names the statuses.
*/
package types
