package search

import "creditauth/api/internal/workflow"

// RequestRecord is the data we index for an authorization request.
type RequestRecord struct {
	ID           string `json:"id"`
	ClientName   string `json:"clientName"`
	ClientEmail  string `json:"clientEmail"`
	VehicleBrand string `json:"vehicleBrand"`
	VehicleModel string `json:"vehicleModel"`
	AgencyName   string `json:"agencyName"`
	DealerName   string `json:"dealerName"`
	PromoterCode string `json:"promoterCode"`
	Status       string `json:"status"`
	Priority     string `json:"priority"`
	AssignedTo   string `json:"assignedTo"`
	CreatedAt    int64  `json:"createdAt"`
}

// RecordFromRequest projects the searchable fields of req.
func RecordFromRequest(req workflow.AuthorizationRequest) RequestRecord {
	rec := RequestRecord{
		ID:           req.ID,
		ClientName:   req.Client.Name,
		ClientEmail:  req.Client.Email,
		VehicleBrand: req.Vehicle.Brand,
		VehicleModel: req.Vehicle.Model,
		AgencyName:   req.Origin.AgencyName,
		DealerName:   req.Origin.DealerName,
		PromoterCode: req.Origin.PromoterCode,
		Status:       string(req.Status),
		Priority:     string(req.Priority),
		CreatedAt:    req.CreatedAt.Unix(),
	}
	if req.AssignedToUserID != nil {
		rec.AssignedTo = *req.AssignedToUserID
	}
	return rec
}

// Searcher resolves a free-text term to request ids.
type Searcher interface {
	SearchIDs(term string, limit int) ([]string, error)
	Healthy() bool
}

// Indexer pushes requests into a search index.
type Indexer interface {
	IndexRequest(rec RequestRecord) error
	IndexRequests(recs []RequestRecord) error
}
