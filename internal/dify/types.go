package dify

// Segmentation controls how the backend chunks an uploaded document.
type Segmentation struct {
	Separator string `json:"separator,omitempty"`
	MaxTokens int    `json:"max_tokens"`
}

// ProcessRules are the custom processing rules of a ProcessRule.
type ProcessRules struct {
	Segmentation Segmentation `json:"segmentation"`
}

// ProcessRule selects automatic or custom document processing.
type ProcessRule struct {
	Mode  string        `json:"mode"`
	Rules *ProcessRules `json:"rules,omitempty"`
}

// CreateByFileData is the JSON "data" part of a create-by-file upload.
type CreateByFileData struct {
	IndexingTechnique string      `json:"indexing_technique"`
	ProcessRule       ProcessRule `json:"process_rule"`
}

// UpdateByFileData is the JSON "data" part of an update-by-file upload.
type UpdateByFileData struct {
	Name        string      `json:"name"`
	ProcessRule ProcessRule `json:"process_rule"`
}

// MetadataItem is one value in a metadata update.
type MetadataItem struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  string `json:"type"`
}

// DocumentMetadata assigns metadata values to one document.
type DocumentMetadata struct {
	DocumentID   string         `json:"document_id"`
	MetadataList []MetadataItem `json:"metadata_list"`
}

// MetadataRequest is the body of POST /datasets/{id}/documents/metadata.
type MetadataRequest struct {
	OperationData []DocumentMetadata `json:"operation_data"`
}
