package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// ResourceKind identifies a logical resource that can be read, cached and mirrored.
type ResourceKind string

const (
	ResourceRoadsDetails ResourceKind = "roads_details"
	ResourceRoadworks    ResourceKind = "roadworks"
	ResourceReports      ResourceKind = "reports"
	ResourceStatistics   ResourceKind = "statistics"
	ResourceUsers        ResourceKind = "users"
)

// AllResources lists every resource kind in a stable order.
var AllResources = []ResourceKind{
	ResourceRoadsDetails,
	ResourceRoadworks,
	ResourceReports,
	ResourceStatistics,
	ResourceUsers,
}

// ParseResourceKind validates a resource name coming from a URL or CLI argument.
func ParseResourceKind(s string) (ResourceKind, error) {
	for _, k := range AllResources {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown resource %q", ErrInvalidArgument, s)
}

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Latitude  float64 `json:"latitude" bson:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" bson:"longitude" validate:"gte=-180,lte=180"`
}

// Road is a monitored road segment.
type Road struct {
	ID        int64     `json:"id" bson:"id"`
	Name      string    `json:"name" bson:"name"`
	Location  *GeoPoint `json:"location,omitempty" bson:"location,omitempty"`
	Status    string    `json:"status,omitempty" bson:"status,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty" bson:"updated_at,omitempty"`
}

// RoadDetail is a road with its active roadworks and open report count.
type RoadDetail struct {
	Road
	Roadworks   []Roadwork `json:"roadworks,omitempty" bson:"roadworks,omitempty"`
	ReportCount int        `json:"report_count" bson:"report_count"`
}

// Roadwork is a scheduled or ongoing intervention on a road.
type Roadwork struct {
	ID          int64      `json:"id" bson:"id"`
	RoadID      int64      `json:"road_id" bson:"road_id"`
	Status      string     `json:"status" bson:"status"`
	Budget      float64    `json:"budget,omitempty" bson:"budget,omitempty"`
	Surface     float64    `json:"surface,omitempty" bson:"surface,omitempty"`
	Company     string     `json:"company,omitempty" bson:"company,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty" bson:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// Report is a user report as stored by the primary API.
type Report struct {
	ID         ID        `json:"id" bson:"id"`
	TargetType string    `json:"target_type" bson:"target_type"`
	Date       string    `json:"date" bson:"date"`
	Reason     string    `json:"reason" bson:"reason"`
	RoadID     *int64    `json:"road_id,omitempty" bson:"road_id,omitempty"`
	Location   *GeoPoint `json:"location,omitempty" bson:"location,omitempty"`
	UserID     ID        `json:"user_id,omitempty" bson:"user_id,omitempty"`
	Status     string    `json:"status,omitempty" bson:"status,omitempty"`
	// Pending is set on locally queued reports that the server has not accepted yet.
	Pending bool `json:"pending,omitempty" bson:"-"`
}

// Statistics is the aggregated dashboard view.
type Statistics struct {
	TotalRoads      int            `json:"total_roads" bson:"total_roads"`
	TotalRoadworks  int            `json:"total_roadworks" bson:"total_roadworks"`
	TotalReports    int            `json:"total_reports" bson:"total_reports"`
	TotalBudget     float64        `json:"total_budget" bson:"total_budget"`
	TotalSurface    float64        `json:"total_surface" bson:"total_surface"`
	ProgressPercent float64        `json:"progress_percent" bson:"progress_percent"`
	ByStatus        map[string]int `json:"by_status,omitempty" bson:"by_status,omitempty"`
}

// User is the public projection of an account.
type User struct {
	ID    ID     `json:"id" bson:"id"`
	Name  string `json:"name" bson:"name"`
	Email string `json:"email,omitempty" bson:"email,omitempty"`
	Role  string `json:"role,omitempty" bson:"role,omitempty"`
}

// Snapshot is a typed read result for one resource kind.
// Implementations are the *Snapshot types in this file.
type Snapshot interface {
	Kind() ResourceKind
	// Empty reports whether the snapshot carries no records.
	Empty() bool
}

// RoadDetailsSnapshot holds roads_details data.
type RoadDetailsSnapshot struct {
	Roads []RoadDetail `json:"roads"`
}

func (RoadDetailsSnapshot) Kind() ResourceKind { return ResourceRoadsDetails }
func (s RoadDetailsSnapshot) Empty() bool     { return len(s.Roads) == 0 }

// RoadworkSnapshot holds roadworks data.
type RoadworkSnapshot struct {
	Roadworks []Roadwork `json:"roadworks"`
}

func (RoadworkSnapshot) Kind() ResourceKind { return ResourceRoadworks }
func (s RoadworkSnapshot) Empty() bool     { return len(s.Roadworks) == 0 }

// ReportSnapshot holds reports data.
type ReportSnapshot struct {
	Reports []Report `json:"reports"`
}

func (ReportSnapshot) Kind() ResourceKind { return ResourceReports }
func (s ReportSnapshot) Empty() bool     { return len(s.Reports) == 0 }

// StatisticsSnapshot holds the statistics view.
type StatisticsSnapshot struct {
	Statistics Statistics `json:"statistics"`
}

func (StatisticsSnapshot) Kind() ResourceKind { return ResourceStatistics }
func (s StatisticsSnapshot) Empty() bool {
	return s.Statistics.TotalRoads == 0 && s.Statistics.TotalRoadworks == 0 && s.Statistics.TotalReports == 0
}

// UserSnapshot holds users data.
type UserSnapshot struct {
	Users []User `json:"users"`
}

func (UserSnapshot) Kind() ResourceKind { return ResourceUsers }
func (s UserSnapshot) Empty() bool     { return len(s.Users) == 0 }

// Envelope is the tagged serialized form of a Snapshot.
type Envelope struct {
	Kind ResourceKind    `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeSnapshot wraps s in a tagged envelope.
func EncodeSnapshot(s Snapshot) (Envelope, error) {
	if s == nil {
		return Envelope{}, fmt.Errorf("%w: nil snapshot", ErrInvalidArgument)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return Envelope{}, NewSerializationError("marshal snapshot", err)
	}
	return Envelope{Kind: s.Kind(), Data: data}, nil
}

// DecodeSnapshot unpacks a tagged envelope into its concrete snapshot type.
func DecodeSnapshot(env Envelope) (Snapshot, error) {
	switch env.Kind {
	case ResourceRoadsDetails:
		return decodeInto[RoadDetailsSnapshot](env.Data)
	case ResourceRoadworks:
		return decodeInto[RoadworkSnapshot](env.Data)
	case ResourceReports:
		return decodeInto[ReportSnapshot](env.Data)
	case ResourceStatistics:
		return decodeInto[StatisticsSnapshot](env.Data)
	case ResourceUsers:
		return decodeInto[UserSnapshot](env.Data)
	default:
		return nil, NewSerializationError(fmt.Sprintf("unknown snapshot kind %q", env.Kind), nil)
	}
}

// DecodeResource builds a snapshot from the bare upstream payload for kind
// (a JSON array for list resources, an object for statistics).
func DecodeResource(kind ResourceKind, raw []byte) (Snapshot, error) {
	var err error
	switch kind {
	case ResourceRoadsDetails:
		var s RoadDetailsSnapshot
		if err = json.Unmarshal(raw, &s.Roads); err == nil {
			return s, nil
		}
	case ResourceRoadworks:
		var s RoadworkSnapshot
		if err = json.Unmarshal(raw, &s.Roadworks); err == nil {
			return s, nil
		}
	case ResourceReports:
		var s ReportSnapshot
		if err = json.Unmarshal(raw, &s.Reports); err == nil {
			return s, nil
		}
	case ResourceStatistics:
		var s StatisticsSnapshot
		if err = json.Unmarshal(raw, &s.Statistics); err == nil {
			return s, nil
		}
	case ResourceUsers:
		var s UserSnapshot
		if err = json.Unmarshal(raw, &s.Users); err == nil {
			return s, nil
		}
	default:
		return nil, fmt.Errorf("%w: unknown resource %q", ErrInvalidArgument, kind)
	}
	return nil, NewSerializationError(fmt.Sprintf("decode %s payload", kind), err)
}

func decodeInto[T Snapshot](data []byte) (Snapshot, error) {
	var s T
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, NewSerializationError("unmarshal snapshot", err)
	}
	return s, nil
}
