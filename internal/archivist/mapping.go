package archivist

// defaultIndex is the index events land in unless one is configured.
const defaultIndex = "events"

// eventsMapping fixes the index schema: event times accept ISO-8601 and
// epoch values, commit messages stay full-text searchable, author and
// committer dates keep their raw git-log format, and any other string field
// is indexed verbatim as a keyword.
const eventsMapping = `{
  "mappings": {
    "properties": {
      "time": {
        "type": "date",
        "format": "strict_date_optional_time||epoch_second"
      },
      "data": {
        "properties": {
          "message": {
            "type": "text",
            "index": true
          },
          "AuthorDate": {
            "type": "date",
            "format": "EEE MMM d HH:mm:ss yyyy Z||EEE MMM d HH:mm:ss yyyy||strict_date_optional_time||epoch_millis"
          },
          "CommitDate": {
            "type": "date",
            "format": "EEE MMM d HH:mm:ss yyyy Z||EEE MMM d HH:mm:ss yyyy||strict_date_optional_time||epoch_millis"
          }
        }
      }
    },
    "dynamic_templates": [
      {
        "notanalyzed": {
          "match": "*",
          "match_mapping_type": "string",
          "mapping": {
            "type": "keyword"
          }
        }
      },
      {
        "formatdate": {
          "match": "*",
          "match_mapping_type": "date",
          "mapping": {
            "type": "date",
            "format": "strict_date_optional_time||epoch_millis"
          }
        }
      }
    ]
  }
}`
