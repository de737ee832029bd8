// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package graphdb

// The named-query registry. Trigger definitions reference queries by name;
// parameters travel separately so no value is ever spliced into query text.
// Business catalogs may still ship raw cypher in the message body, but the
// engine patterns below are fixed.
//
// Schema conventions: multi-part inputs are keyed by `sample`; jobs carry
// `name` (stage), `inputHash` and `status`; lineage nodes carry
// `workflowId`, `stepAlias` and `startTimeEpoch`.
var registry = map[string]string{
	// Idempotent ingestion of a storage object. MERGE keyed on bucket/path
	// so redelivered storage notifications do not create twins.
	"merge-blob-node": `
		MERGE (b:Blob {bucket: $bucket, path: $path})
		SET b.size = $size,
		    b.crc32c = $crc32c,
		    b.sample = $sample,
		    b.timeCreatedEpoch = $timeCreatedEpoch
		RETURN b AS node`,

	// Write-once declaration of a sibling set: the ingestion edge registers
	// one manifest per (sample, part type) carrying the part count it
	// enumerated. ON CREATE keeps the declared count immutable under
	// redelivery.
	"merge-set-manifest": `
		MERGE (m:Manifest {sample: $sample, partLabel: $partLabel})
		ON CREATE SET m.setSize = $setSize, m.createdEpoch = timestamp()
		RETURN m AS node`,

	// Stamp the manifest's declared count onto every currently registered
	// part. Gated on the manifest existing, so a part arriving before the
	// declaration can never stamp a one-element set; coalesce keeps the
	// stamp write-once per part.
	"stamp-set-size": `
		MATCH (m:Manifest {sample: $sample, partLabel: $partLabel})
		MATCH (part {sample: $sample})
		WHERE $partLabel IN labels(part)
		WITH m.setSize AS declared, collect(part) AS parts
		UNWIND parts AS p
		SET p.setSize = coalesce(p.setSize, declared)
		RETURN p AS node`,

	// Join probe: collect all parts for the unit key, compare against the
	// declared setSize, and create the downstream launch request guarded by
	// a negative existence check. Losing probes match nothing and return
	// zero rows. The guard and the create are one statement; its atomicity
	// is the store's, which is why duplicate suppression exists downstream.
	"probe-set-complete": `
		MATCH (part {sample: $sample})
		WHERE $partLabel IN labels(part)
		WITH part.sample AS sample, collect(part) AS parts, max(part.setSize) AS setSize
		WHERE size(parts) = setSize
		  AND NOT EXISTS {
		    MATCH (r:JobRequest {sample: sample, name: $jobName})
		  }
		CREATE (r:JobRequest {sample: sample, name: $jobName, setSize: setSize,
		                      createdEpoch: timestamp()})
		RETURN r AS node`,

	// Job node creation at submission time.
	"create-job-node": `
		CREATE (j:Job {sample: $sample, name: $name, inputHash: $inputHash,
		               instanceName: $instanceName, instanceId: $instanceId,
		               image: $image, command: $command, status: $status,
		               startTime: $startTime, startTimeEpoch: $startTimeEpoch})
		RETURN j AS node`,

	// Status flips from the monitor. Stop fields are only written when the
	// job left RUNNING.
	"update-job-status": `
		MATCH (j:Job {instanceName: $instanceName})
		SET j.status = $status,
		    j.stopTime = CASE WHEN $stopTime = '' THEN j.stopTime ELSE $stopTime END,
		    j.stopTimeEpoch = CASE WHEN $stopTimeEpoch = 0 THEN j.stopTimeEpoch ELSE $stopTimeEpoch END
		RETURN j AS node`,

	// Duplicate detection: all RUNNING jobs sharing the (unit key, stage,
	// input fingerprint) triple; everything after the first in the stable
	// collection order is redundant.
	"running-duplicate-jobs": `
		MATCH (j:Job {sample: $sample, name: $name, inputHash: $inputHash, status: "RUNNING"})
		WITH j.inputHash AS hash, collect(j) AS jobs
		WHERE size(jobs) > 1
		UNWIND tail(jobs) AS job
		RETURN job AS node`,

	// Duplicate marking, gated on the label not being present yet so
	// redelivery is a no-op. This is the one deliberate label transition
	// that narrows a node's meaning.
	"mark-job-duplicate": `
		MATCH (j:Job {instanceName: $instanceName})
		WHERE NOT j:Duplicate
		SET j:Duplicate, j.duplicate = true`,

	// Lineage: repair the attempt chain around a new attempt node. Both
	// directions are linked because durable-write order is not timestamp
	// order: the newer attempt's node may exist before the older one's, in
	// which case the older arrival closes the gap. Neighbor selection is by
	// timestamp, never insertion order.
	"relate-attempt-to-previous": `
		MATCH (cur:Attempt {instanceName: $instanceName})
		CALL {
			WITH cur
			MATCH (prev:Attempt {workflowId: $workflowId, stepAlias: $stepAlias})
			WHERE prev <> cur AND prev.startTimeEpoch < cur.startTimeEpoch
			WITH cur, prev ORDER BY prev.startTimeEpoch DESC LIMIT 1
			MERGE (cur)-[:AFTER]->(prev)
		}
		CALL {
			WITH cur
			MATCH (next:Attempt {workflowId: $workflowId, stepAlias: $stepAlias})
			WHERE next <> cur AND next.startTimeEpoch > cur.startTimeEpoch
			WITH cur, next ORDER BY next.startTimeEpoch ASC LIMIT 1
			MERGE (next)-[:AFTER]->(cur)
		}
		RETURN cur AS node`,

	// Lineage: repair the step chain of a run around a new step node, same
	// bidirectional shape as the attempt chain.
	"relate-step-to-previous": `
		MATCH (cur:Step {workflowId: $workflowId, stepAlias: $stepAlias})
		CALL {
			WITH cur
			MATCH (prev:Step {workflowId: $workflowId})
			WHERE prev.stepAlias <> cur.stepAlias AND prev.startTimeEpoch < cur.startTimeEpoch
			WITH cur, prev ORDER BY prev.startTimeEpoch DESC LIMIT 1
			MERGE (prev)-[:LEADS_TO]->(cur)
		}
		CALL {
			WITH cur
			MATCH (next:Step {workflowId: $workflowId})
			WHERE next.stepAlias <> cur.stepAlias AND next.startTimeEpoch > cur.startTimeEpoch
			WITH cur, next ORDER BY next.startTimeEpoch ASC LIMIT 1
			MERGE (cur)-[:LEADS_TO]->(next)
		}
		RETURN cur AS node`,

	// Lineage: move the current-attempt pointer to the newest attempt,
	// deleting the stale edge in the same statement so there is never more
	// than one current edge.
	"swap-current-attempt": `
		MATCH (step:Step {workflowId: $workflowId, stepAlias: $stepAlias})
		MATCH (a:Attempt {workflowId: $workflowId, stepAlias: $stepAlias})
		WITH step, collect(a) AS attempts, max(a.startTimeEpoch) AS maxTime
		UNWIND attempts AS attempt
		MATCH (attempt) WHERE attempt.startTimeEpoch = maxTime
		OPTIONAL MATCH (step)-[stale:GENERATED_ATTEMPT]->(old)
		WHERE old <> attempt
		DELETE stale
		MERGE (step)-[:GENERATED_ATTEMPT]->(attempt)
		RETURN attempt AS node`,

	// Provenance edges from job inputs/outputs.
	"relate-output-to-job": `
		MATCH (j:Job {instanceName: $instanceName}), (b:Blob {bucket: $bucket, path: $path})
		MERGE (j)-[:GENERATED]->(b)
		RETURN b AS node`,
	"relate-input-to-job": `
		MATCH (j:Job {instanceName: $instanceName}), (b:Blob {bucket: $bucket, path: $path})
		MERGE (b)-[:WAS_USED_BY]->(j)
		RETURN b AS node`,
}

// Lookup resolves a named query.
func Lookup(name string) (string, bool) {
	q, ok := registry[name]
	return q, ok
}

// KnownQueries lists registry names, for catalog validation at load time.
func KnownQueries() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	return names
}
