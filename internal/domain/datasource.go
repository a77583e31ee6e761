package domain

// ReportValueRequest delivers a sample for a node from a data source.
type ReportValueRequest struct {
	NodeID string         `json:"nodeId"`
	Value  DataValue      `json:"value"`
	Error  *ServiceResult `json:"error,omitempty"`
}

func (r *ReportValueRequest) Validate() error {
	if r.NodeID == "" {
		return ErrNodeIDInvalid
	}
	return nil
}

// ReportEventRequest delivers an event raised by a node.
type ReportEventRequest struct {
	NodeID string `json:"nodeId"`
	Event  Event  `json:"event"`
}

func (r *ReportEventRequest) Validate() error {
	if r.NodeID == "" {
		return ErrNodeIDInvalid
	}
	if len(r.Event.Fields) == 0 {
		return ErrFilterInvalid
	}
	return nil
}
