package ducklake

// Schema documents embedded in the OCF headers. Field ids follow the
// Iceberg v2 table spec; they ride on the schema JSON only and never
// affect the binary encoding. Maps keyed by column id are represented as
// arrays of key/value records with logicalType "map", since Avro maps
// require string keys and Iceberg requires int keys.

// manifestListSchema describes one manifest_file entry per manifest.
const manifestListSchema = `{
  "type": "record",
  "name": "manifest_file",
  "fields": [
    {"name": "manifest_path", "type": "string", "field-id": 500},
    {"name": "manifest_length", "type": "long", "field-id": 501},
    {"name": "partition_spec_id", "type": "int", "field-id": 502},
    {"name": "content", "type": "int", "field-id": 517},
    {"name": "sequence_number", "type": "long", "field-id": 515},
    {"name": "min_sequence_number", "type": "long", "field-id": 516},
    {"name": "added_snapshot_id", "type": "long", "field-id": 503},
    {"name": "added_files_count", "type": "int", "field-id": 504},
    {"name": "existing_files_count", "type": "int", "field-id": 505},
    {"name": "deleted_files_count", "type": "int", "field-id": 506},
    {"name": "added_rows_count", "type": "long", "field-id": 512},
    {"name": "existing_rows_count", "type": "long", "field-id": 513},
    {"name": "deleted_rows_count", "type": "long", "field-id": 514}
  ]
}`

// manifestEntrySchema describes one manifest_entry per data or delete file.
const manifestEntrySchema = `{
  "type": "record",
  "name": "manifest_entry",
  "fields": [
    {"name": "status", "type": "int", "field-id": 0},
    {"name": "snapshot_id", "type": ["null", "long"], "default": null, "field-id": 1},
    {"name": "sequence_number", "type": ["null", "long"], "default": null, "field-id": 3},
    {"name": "data_file", "field-id": 2, "type": {
      "type": "record",
      "name": "r2",
      "fields": [
        {"name": "content", "type": "int", "field-id": 134},
        {"name": "file_path", "type": "string", "field-id": 100},
        {"name": "file_format", "type": "string", "field-id": 101},
        {"name": "record_count", "type": "long", "field-id": 103},
        {"name": "file_size_in_bytes", "type": "long", "field-id": 104},
        {"name": "column_sizes", "field-id": 108, "default": null, "type": ["null", {
          "type": "array", "logicalType": "map", "items": {
            "type": "record", "name": "k117_v118", "fields": [
              {"name": "key", "type": "int", "field-id": 117},
              {"name": "value", "type": "long", "field-id": 118}
            ]}}]},
        {"name": "value_counts", "field-id": 109, "default": null, "type": ["null", {
          "type": "array", "logicalType": "map", "items": {
            "type": "record", "name": "k119_v120", "fields": [
              {"name": "key", "type": "int", "field-id": 119},
              {"name": "value", "type": "long", "field-id": 120}
            ]}}]},
        {"name": "null_value_counts", "field-id": 110, "default": null, "type": ["null", {
          "type": "array", "logicalType": "map", "items": {
            "type": "record", "name": "k121_v122", "fields": [
              {"name": "key", "type": "int", "field-id": 121},
              {"name": "value", "type": "long", "field-id": 122}
            ]}}]},
        {"name": "lower_bounds", "field-id": 125, "default": null, "type": ["null", {
          "type": "array", "logicalType": "map", "items": {
            "type": "record", "name": "k126_v127", "fields": [
              {"name": "key", "type": "int", "field-id": 126},
              {"name": "value", "type": "bytes", "field-id": 127}
            ]}}]},
        {"name": "upper_bounds", "field-id": 128, "default": null, "type": ["null", {
          "type": "array", "logicalType": "map", "items": {
            "type": "record", "name": "k129_v130", "fields": [
              {"name": "key", "type": "int", "field-id": 129},
              {"name": "value", "type": "bytes", "field-id": 130}
            ]}}]}
      ]}}
  ]
}`
