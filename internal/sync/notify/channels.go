package notify

// RefreshChannel asks every view of feature to reload its list.
func RefreshChannel(feature string) string {
	return feature + ":refresh"
}

// UpdatedChannel announces that one entity type of feature changed, for
// example UpdatedChannel("incidents", "incident") is "incidents:incident-updated".
func UpdatedChannel(feature, entity string) string {
	return feature + ":" + entity + "-updated"
}

// BulkChannel announces a committed bulk operation.
func BulkChannel(feature string) string {
	return feature + ":bulk-operation"
}
