package vectorindex

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// QdrantPoints is the subset of pb.PointsClient the backend uses
type QdrantPoints interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

// QdrantCollections is the subset of pb.CollectionsClient the backend uses
type QdrantCollections interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// QdrantBackend maps each index to a Qdrant collection. Point ids are
// UUIDv5 of the record key, so re-upserting a key overwrites its point.
type QdrantBackend struct {
	conn        *grpc.ClientConn // Nil when built from clients
	points      QdrantPoints
	collections QdrantCollections
}

var _ Backend = (*QdrantBackend)(nil)

// DialQdrant connects to Qdrant's gRPC endpoint
func DialQdrant(addr string) (*QdrantBackend, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial qdrant %s: %w", addr, err)
	}
	return &QdrantBackend{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
	}, nil
}

// NewQdrantBackend builds a backend from existing clients
func NewQdrantBackend(points QdrantPoints, collections QdrantCollections) *QdrantBackend {
	return &QdrantBackend{points: points, collections: collections}
}

// Close closes the gRPC connection when the backend owns it
func (b *QdrantBackend) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

func (b *QdrantBackend) IndexExists(ctx context.Context, spec IndexSpec) (bool, error) {
	list, err := b.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return false, fmt.Errorf("list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == spec.Name {
			return true, nil
		}
	}
	return false, nil
}

func (b *QdrantBackend) CreateIndex(ctx context.Context, spec IndexSpec) error {
	_, err := b.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: spec.Name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(spec.Dim),
					Distance: qdrantDistance(spec.Metric),
				},
			},
		},
	})
	if status.Code(err) == codes.AlreadyExists {
		return ErrIndexExists
	}
	if err != nil {
		return fmt.Errorf("create collection %s: %w", spec.Name, err)
	}
	return nil
}

func qdrantDistance(m Metric) pb.Distance {
	switch m {
	case MetricL2:
		return pb.Distance_Euclid
	case MetricIP:
		return pb.Distance_Dot
	default:
		return pb.Distance_Cosine
	}
}

// PointID derives the point id of a record key
func PointID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

func (b *QdrantBackend) UpsertRecord(ctx context.Context, spec IndexSpec, key string, rec Record) error {
	wait := true
	_, err := b.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: spec.Name,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(key)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: rec.Vector},
				},
			},
			Payload: map[string]*pb.Value{
				"key":      stringValue(key),
				"doc_id":   stringValue(rec.DocID),
				"user_id":  stringValue(rec.UserID),
				"path":     stringValue(rec.Path),
				"scopes":   listValue(Scopes(rec.Path)),
				"position": {Kind: &pb.Value_IntegerValue{IntegerValue: int64(rec.Position)}},
				"text":     stringValue(rec.Text),
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("upsert point %s: %w", key, err)
	}
	return nil
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func listValue(items []string) *pb.Value {
	values := make([]*pb.Value, len(items))
	for i, item := range items {
		values[i] = stringValue(item)
	}
	return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: values}}}
}

func (b *QdrantBackend) KNN(ctx context.Context, spec IndexSpec, vector []float32, k int, filter Filter) ([]Hit, error) {
	req := &pb.SearchPoints{
		CollectionName: spec.Name,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		Filter:         qdrantFilter(filter),
	}

	resp, err := b.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	hits := make([]Hit, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		payload := r.GetPayload()
		hits = append(hits, Hit{
			Key:      payload["key"].GetStringValue(),
			DocID:    payload["doc_id"].GetStringValue(),
			Position: int(payload["position"].GetIntegerValue()),
			Text:     payload["text"].GetStringValue(),
			Distance: qdrantScoreToDistance(spec.Metric, float64(r.GetScore())),
		})
	}
	return hits, nil
}

// qdrantScoreToDistance undoes Qdrant's score convention: similarity for
// cosine and dot, raw distance for euclid
func qdrantScoreToDistance(m Metric, score float64) float64 {
	if m == MetricL2 {
		return score
	}
	return 1 - score
}

func (b *QdrantBackend) DeleteDocument(ctx context.Context, spec IndexSpec, docID string) (int, error) {
	exact := true
	count, err := b.points.Count(ctx, &pb.CountPoints{
		CollectionName: spec.Name,
		Filter:         docFilter(docID),
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("count doc_id %s: %w", docID, err)
	}
	n := int(count.GetResult().GetCount())
	if n == 0 {
		return 0, nil
	}

	wait := true
	_, err = b.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: spec.Name,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: docFilter(docID),
			},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("delete doc_id %s: %w", docID, err)
	}
	return n, nil
}

func docFilter(docID string) *pb.Filter {
	return &pb.Filter{Must: []*pb.Condition{keywordCondition("doc_id", docID)}}
}

// qdrantFilter turns filter into Must conditions; nil when unrestricted.
// A keyword match on the scopes list matches any element.
func qdrantFilter(filter Filter) *pb.Filter {
	var must []*pb.Condition
	if filter.UserID != "" {
		must = append(must, keywordCondition("user_id", filter.UserID))
	}
	if filter.DocID != "" {
		must = append(must, keywordCondition("doc_id", filter.DocID))
	}
	if prefix := filter.Prefix(); prefix != "" {
		must = append(must, keywordCondition("scopes", prefix))
	}
	if len(must) == 0 {
		return nil
	}
	return &pb.Filter{Must: must}
}

func keywordCondition(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
