// Command evidence-tail reads guard evidence back out of the evidence
// stores.
//
// Usage:
//
//	evidence-tail kafka --group ops-tail
//	evidence-tail kafka --key 203.0.113.7 --unseal
//	evidence-tail scylla --key 203.0.113.7 --date 2026-10-19
//	evidence-tail es --key 203.0.113.7 --limit 50
//	evidence-tail verify 203.0.113.7 v1:3f2a...
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"guard-service/internal/bucketing"
	"guard-service/internal/client"
	"guard-service/internal/config"
	"guard-service/internal/encryption"
	"guard-service/internal/hashing"
	"guard-service/internal/models"
	"guard-service/internal/repository/scylla"
	"guard-service/internal/util"
)

type CLI struct {
	Kafka  KafkaCmd  `cmd:"" help:"Follow the evidence topic."`
	Scylla ScyllaCmd `cmd:"" help:"List one day of evidence for a key from ScyllaDB."`
	ES     ESCmd     `cmd:"" name:"es" help:"Search the evidence index for a key."`
	Verify VerifyCmd `cmd:"" help:"Check that a fingerprint belongs to a key."`
}

// KafkaCmd streams records as JSON lines until interrupted.
type KafkaCmd struct {
	Topic  string `help:"Topic to read (default KAFKA_EVIDENCE_TOPIC)."`
	Group  string `help:"Consumer group." default:"evidence-tail"`
	Key    string `help:"Only print records for this guard key."`
	Unseal bool   `help:"Decrypt sealed keys (requires KMS)."`
}

func (c *KafkaCmd) Run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	topic := c.Topic
	if topic == "" {
		topic = cfg.Kafka.EvidenceTopic
	}

	consumer, err := client.NewKafkaConsumer(cfg, topic, c.Group, util.Get())
	if err != nil {
		return err
	}
	defer consumer.Close()

	filter, err := newKeyFilter(cfg, c.Key)
	if err != nil {
		return err
	}
	opener, err := newOpener(ctx, cfg, c.Unseal)
	if err != nil {
		return err
	}

	out := json.NewEncoder(os.Stdout)
	for {
		msg, err := consumer.ConsumeMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var record models.EvidenceRecord
		if err := json.Unmarshal(msg.Value, &record); err != nil {
			util.Warn("Skipping undecodable evidence message",
				util.Int64("offset", msg.Offset),
				util.ErrorField(err))
			continue
		}
		if !filter.match(record) {
			continue
		}
		opener.open(ctx, &record)
		if err := out.Encode(record); err != nil {
			return err
		}
	}
}

// ScyllaCmd reads the partition the key's records were written to.
type ScyllaCmd struct {
	Key   string `required:"" help:"Guard key, before prefixing."`
	Date  string `help:"UTC day, YYYY-MM-DD (default today)."`
	Limit int    `help:"Maximum records." default:"500"`
}

func (c *ScyllaCmd) Run(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	key, err := util.NormalizeKey(c.Key)
	if err != nil {
		return err
	}
	date := c.Date
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}

	sc, err := scylla.NewScyllaClient(cfg, util.Get())
	if err != nil {
		return err
	}
	defer sc.Close()

	bucket := bucketing.NewBucketingManager(cfg).GetEventBucket(key)
	records, err := scylla.NewEvidenceRepository(sc).ListByBucket(ctx, bucket, date, c.Limit)
	if err != nil {
		return err
	}

	filter, err := newKeyFilter(cfg, key)
	if err != nil {
		return err
	}
	out := json.NewEncoder(os.Stdout)
	for _, r := range records {
		// a bucket holds many keys
		if !filter.match(r) {
			continue
		}
		if err := out.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// ESCmd lists a key's records from the evidence index, oldest first.
type ESCmd struct {
	Key   string `required:"" help:"Guard key, before prefixing."`
	Index string `help:"Index to search (default ES_EVIDENCE_INDEX)."`
	Limit int    `help:"Maximum records." default:"100"`
}

type esSearchResponse struct {
	Hits struct {
		Hits []struct {
			Source models.EvidenceRecord `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (c *ESCmd) Run(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	filter, err := newKeyFilter(cfg, c.Key)
	if err != nil {
		return err
	}
	index := c.Index
	if index == "" {
		index = cfg.Elasticsearch.EvidenceIndex
	}

	es, err := client.NewElasticsearchClient(cfg, util.Get())
	if err != nil {
		return err
	}
	defer es.Close()

	var res esSearchResponse
	if err := es.Search(ctx, index, evidenceQuery(filter, c.Limit), &res); err != nil {
		return err
	}

	out := json.NewEncoder(os.Stdout)
	for _, hit := range res.Hits.Hits {
		if !filter.match(hit.Source) {
			continue
		}
		if err := out.Encode(hit.Source); err != nil {
			return err
		}
	}
	return nil
}

// evidenceQuery matches either the fingerprint or, for records written
// without fingerprinting, the raw key.
func evidenceQuery(f *keyFilter, limit int) map[string]interface{} {
	if limit <= 0 {
		limit = 100
	}
	return map[string]interface{}{
		"size": limit,
		"sort": []interface{}{
			map[string]interface{}{"timestamp": map[string]interface{}{"order": "asc"}},
		},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"should": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"key_fingerprint.keyword": f.fingerprint}},
					map[string]interface{}{"term": map[string]interface{}{"key.keyword": f.key}},
				},
				"minimum_should_match": 1,
			},
		},
	}
}

type VerifyCmd struct {
	Key         string `arg:"" help:"Guard key."`
	Fingerprint string `arg:"" help:"Fingerprint from an evidence record."`
}

func (c *VerifyCmd) Run(cfg *config.Config) error {
	fp, err := hashing.NewFingerprinter(cfg)
	if err != nil {
		return err
	}
	key, err := util.NormalizeKey(c.Key)
	if err != nil {
		return err
	}
	ok, err := fp.Verify(key, c.Fingerprint)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("fingerprint does not match key")
	}
	fmt.Println("match")
	return nil
}

// keyFilter matches records by fingerprint so sealed records match too.
type keyFilter struct {
	key         string
	fingerprint string
}

func newKeyFilter(cfg *config.Config, key string) (*keyFilter, error) {
	if key == "" {
		return &keyFilter{}, nil
	}
	k, err := util.NormalizeKey(key)
	if err != nil {
		return nil, err
	}
	fp, err := hashing.NewFingerprinter(cfg)
	if err != nil {
		return nil, err
	}
	return &keyFilter{key: k, fingerprint: fp.Fingerprint(k)}, nil
}

func (f *keyFilter) match(r models.EvidenceRecord) bool {
	if f.key == "" {
		return true
	}
	if r.KeyFingerprint != "" {
		return r.KeyFingerprint == f.fingerprint
	}
	return r.Key == f.key
}

type opener struct {
	em *encryption.EncryptionManager
}

func newOpener(ctx context.Context, cfg *config.Config, enabled bool) (*opener, error) {
	if !enabled {
		return &opener{}, nil
	}
	if !cfg.KMS.Enabled {
		return nil, errors.New("--unseal needs KMS_ENABLED; locally sealed keys cannot leave their process")
	}
	kmsClient, err := encryption.NewKMSClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &opener{em: encryption.NewEncryptionManager(cfg, kmsClient)}, nil
}

func (o *opener) open(ctx context.Context, r *models.EvidenceRecord) {
	if o.em == nil || r.SealedKey == nil {
		return
	}
	key, err := o.em.OpenField(ctx, r.SealedKey)
	if err != nil {
		util.Warn("Failed to unseal evidence key",
			util.String("record_id", r.ID),
			util.ErrorField(err))
		return
	}
	r.Key = key
}

func main() {
	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("evidence-tail"),
		kong.Description("Read guard evidence records."),
		kong.UsageOnError(),
		kong.Bind(cfg),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
