// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigkmeans/kmeansconfig"

	// Registered so that the written profile shows every default.
	_ "github.com/grailbio/base/config/aws"
	_ "github.com/grailbio/bigkmeans/exec"
	_ "github.com/grailbio/bigmachine/ec2system"
)

// securityGroupTag marks security groups created by setup-ec2.
const securityGroupTag = "bigkmeans-sg"

func setupEC2Usage(flags *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: kmeanssetup setup-ec2 [-securitygroup name] [-instance type]

Setup-ec2 prepares an AWS account to run bigkmeans workers on EC2,
and writes the resulting configuration to the bigkmeans profile at `, kmeansconfig.Path, `.
An existing profile is modified in place.

If the profile does not already name a security group, setup-ec2
looks for a group with the given name, and creates one in the default
VPC if none exists. The group allows:

	all traffic within the default VPC
	all outbound traffic
	inbound SSH connections
	inbound HTTPS connections, used by bigmachine

The flags are:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func setupEC2Cmd(args []string) {
	var (
		flags         = flag.NewFlagSet("kmeanssetup setup-ec2", flag.ExitOnError)
		securityGroup = flags.String("securitygroup", "bigkmeans", "name of the security group to set up")
		instance      = flags.String("instance", "m5.xlarge", "EC2 instance type for workers")
	)
	flags.Usage = func() { setupEC2Usage(flags) }
	must.Nil(flags.Parse(args))
	if flags.NArg() != 0 {
		flags.Usage()
	}

	profile := config.New()
	f, err := os.Open(kmeansconfig.Path)
	if err == nil {
		must.Nil(profile.Parse(f))
		must.Nil(f.Close())
	} else {
		must.True(os.IsNotExist(err), err)
	}
	err = configureEC2(profile, *securityGroup, *instance, func() (ec2iface.EC2API, error) {
		sess, err := session.NewSession()
		if err != nil {
			return nil, err
		}
		return ec2.New(sess), nil
	})
	must.Nil(err)

	var buf bytes.Buffer
	must.Nil(profile.PrintTo(&buf))
	must.Nil(os.MkdirAll(filepath.Dir(kmeansconfig.Path), 0777))
	tmp := kmeansconfig.Path + ".setup-ec2"
	must.Nil(ioutil.WriteFile(tmp, buf.Bytes(), 0666))
	must.Nil(os.Rename(tmp, kmeansconfig.Path))
	log.Print("wrote configuration to ", kmeansconfig.Path)
}

// configureEC2 sets up profile so that bigkmeans sessions run their
// workers on EC2. The EC2 client is created only if a security group
// must be found or created.
func configureEC2(profile *config.Profile, securityGroup, instance string, client func() (ec2iface.EC2API, error)) error {
	if region, ok := profile.Get("aws/env.region"); ok && len(region) > 0 {
		if err := profile.Set("bigmachine/ec2system.default-region", strings.Trim(region, `"`)); err != nil {
			return err
		}
	}
	if v, ok := profile.Get("bigmachine/ec2system.security-group"); ok && v != `""` {
		log.Print("ec2 security group ", v, " already configured")
	} else {
		svc, err := client()
		if err != nil {
			return fmt.Errorf("setting up AWS session: %v", err)
		}
		id, err := setupSecurityGroup(svc, securityGroup)
		if err != nil {
			return fmt.Errorf("setting up security group: %v", err)
		}
		if err := profile.Set("bigmachine/ec2system.security-group", id); err != nil {
			return err
		}
	}
	if err := profile.Set("bigkmeans.system", "bigmachine/ec2system"); err != nil {
		return err
	}
	return profile.Set("bigmachine/ec2system.instance", instance)
}

// setupSecurityGroup returns the ID of the security group with the
// given name, creating and authorizing it in the default VPC if it
// does not exist.
func setupSecurityGroup(svc ec2iface.EC2API, name string) (string, error) {
	existing, err := svc.DescribeSecurityGroups(&ec2.DescribeSecurityGroupsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("group-name"),
			Values: []*string{aws.String(name)},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("query security group %s: %v", name, err)
	}
	if len(existing.SecurityGroups) > 0 {
		id := aws.StringValue(existing.SecurityGroups[0].GroupId)
		log.Printf("found existing security group %s", id)
		return id, nil
	}
	vpcs, err := svc.DescribeVpcs(&ec2.DescribeVpcsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("isDefault"),
			Values: []*string{aws.String("true")},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("retrieve default VPC: %v", err)
	}
	switch len(vpcs.Vpcs) {
	case 0:
		return "", errors.New("AWS account does not have a default VPC and requires manual setup; " +
			"see https://docs.aws.amazon.com/vpc/latest/userguide/default-vpc.html#create-default-vpc")
	case 1:
	default:
		return "", errors.New("AWS account has multiple default VPCs; needs manual setup")
	}
	vpc := vpcs.Vpcs[0]
	log.Printf("creating security group %s in default VPC %s", name, aws.StringValue(vpc.VpcId))
	created, err := svc.CreateSecurityGroup(&ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String("security group created by kmeanssetup setup-ec2"),
		VpcId:       vpc.VpcId,
	})
	if err != nil {
		return "", fmt.Errorf("create security group %s: %v", name, err)
	}
	id := aws.StringValue(created.GroupId)
	anywhere := []*ec2.IpRange{{CidrIp: aws.String("0.0.0.0/0")}}
	_, err = svc.AuthorizeSecurityGroupIngress(&ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: aws.String(id),
		IpPermissions: []*ec2.IpPermission{
			{
				IpProtocol: aws.String("-1"),
				IpRanges:   []*ec2.IpRange{{CidrIp: vpc.CidrBlock}},
				FromPort:   aws.Int64(0),
				ToPort:     aws.Int64(0),
			},
			{
				IpProtocol: aws.String("tcp"),
				IpRanges:   anywhere,
				FromPort:   aws.Int64(22),
				ToPort:     aws.Int64(22),
			},
			{
				IpProtocol: aws.String("tcp"),
				IpRanges:   anywhere,
				FromPort:   aws.Int64(443),
				ToPort:     aws.Int64(443),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("authorize ingress for security group %s: %v", id, err)
	}
	_, err = svc.CreateTags(&ec2.CreateTagsInput{
		Resources: []*string{aws.String(id)},
		Tags: []*ec2.Tag{
			{Key: aws.String(securityGroupTag), Value: aws.String("true")},
			{Key: aws.String("Name"), Value: aws.String(name)},
		},
	})
	if err != nil {
		log.Printf("tag security group %s: %v", id, err)
	}
	log.Printf("created security group %s", id)
	return id, nil
}
