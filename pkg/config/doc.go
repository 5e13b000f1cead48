// Package config loads the client configuration.
//
// Settings come from three layers, later ones winning: a YAML file (the
// --config flag or $CLARITY_CONFIG), CLARITY_* environment variables, and
// command-line flags applied by the caller. Validate checks the result.
//
//	lims:
//	  root_uri: https://lims-dev.example.com/api/v2
//	  username: apiuser
//	  dry_run: true
//	  rate_limit: 20
//	runner:
//	  poll_interval: 2s
//	  history_db: /var/lib/clarity/history.db
//	policy:
//	  paths: [/etc/clarity/policies]
//	  watch: true
//	ssh:
//	  key_path: /home/lims/.ssh/id_ed25519
//	archive:
//	  bucket: lims-results
//	  region: us-east-1
//
// Environment variables:
//
//	CLARITY_ROOT_URI, CLARITY_USERNAME, CLARITY_PASSWORD
//	CLARITY_DRY_RUN, CLARITY_INSECURE, CLARITY_LOG_REQUESTS
//	CLARITY_TIMEOUT, CLARITY_RATE_LIMIT
//	CLARITY_POLL_INTERVAL, CLARITY_EPP_TIMEOUT, CLARITY_START_TIMEOUT
//	CLARITY_HISTORY_DB, CLARITY_POLICY_PATHS (comma separated)
//	CLARITY_SSH_HOST, CLARITY_SSH_USER, CLARITY_SSH_KEY
//	CLARITY_ARCHIVE_BUCKET, CLARITY_ARCHIVE_REGION, CLARITY_ARCHIVE_ENDPOINT
//	LOG_LEVEL
package config
