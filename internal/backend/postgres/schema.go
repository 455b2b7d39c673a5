package postgres

// Schema is the DDL a deployment applies (via golang-migrate or a plain
// psql run) before pointing a Backend at a database. Kept here as a single
// source of truth rather than split across migration files, since this
// module ships no migration runner of its own.
const Schema = `
CREATE TABLE IF NOT EXISTS fhir_resource (
	tenant_id     text        NOT NULL,
	resource_type text        NOT NULL,
	id            text        NOT NULL,
	version_id    bigint      NOT NULL,
	content       jsonb       NOT NULL,
	last_updated  timestamptz NOT NULL,
	created_at    timestamptz NOT NULL,
	deleted_at    timestamptz,
	PRIMARY KEY (tenant_id, resource_type, id)
);

CREATE TABLE IF NOT EXISTS fhir_resource_history (
	tenant_id     text        NOT NULL,
	resource_type text        NOT NULL,
	id            text        NOT NULL,
	version_id    bigint      NOT NULL,
	content       jsonb       NOT NULL,
	last_updated  timestamptz NOT NULL,
	deleted_at    timestamptz,
	PRIMARY KEY (tenant_id, resource_type, id, version_id)
);

CREATE TABLE IF NOT EXISTS fhir_search_index (
	tenant_id       text  NOT NULL,
	resource_type   text  NOT NULL,
	resource_id     text  NOT NULL,
	param_name      text  NOT NULL,
	param_url       text  NOT NULL,
	param_type      text  NOT NULL,
	composite_group text  NOT NULL DEFAULT '',
	value_string    text,
	token_system    text,
	token_code      text,
	date_start      text,
	date_end        text,
	number_value    numeric,
	quantity_value  numeric,
	quantity_unit   text,
	quantity_system text,
	quantity_code   text,
	uri_value       text,
	ref_type        text,
	ref_id          text
);

CREATE INDEX IF NOT EXISTS fhir_search_index_lookup
	ON fhir_search_index (tenant_id, resource_type, param_name, resource_id);
`

const (
	tableResource    = "fhir_resource"
	tableHistory     = "fhir_resource_history"
	tableSearchIndex = "fhir_search_index"
)
